package push

import "time"

// Priority is the delivery urgency derived per event. It is never stored.
type Priority int

const (
	// PriorityHigh delivers to the full resolved target set.
	PriorityHigh Priority = iota
	// PriorityActivityOnly delivers only to live-activity targets, as a low
	// priority background update.
	PriorityActivityOnly
	// PrioritySuppressed drops the event.
	PrioritySuppressed
)

// determinePriority classifies the event. Progress events are throttled by
// the remote config: checkpoint multiples and the high-precision bands at the
// start and end of a print always push, otherwise the elapsed time since the
// last high-priority push decides. Every high push resets that clock.
func (d *Dispatcher) determinePriority(event Event, state State) Priority {
	now := d.clk.Now()
	if event == EventStarted {
		d.mu.Lock()
		d.lastProgressPush = now
		d.mu.Unlock()
		return PriorityHigh
	}
	if event != EventProgress {
		return PriorityHigh
	}

	cfg := d.remote.Current()
	d.mu.Lock()
	sinceLast := now.Sub(d.lastProgressPush)
	d.mu.Unlock()

	progress := state.ProgressPercent
	inBand := progress <= cfg.HighPrecisionRangeStart ||
		progress >= 100-cfg.HighPrecisionRangeEnd
	if progress > 0 && progress < 100 && (progress%cfg.UpdatePercentModulus == 0 || inBand) {
		d.markHighProgressPush(now)
		return PriorityHigh
	}
	if sinceLast.Seconds() > float64(cfg.MinIntervalSecs) {
		d.markHighProgressPush(now)
		return PriorityHigh
	}
	if sinceLast.Seconds() > float64(cfg.MinIntervalSecs)/10 {
		return PriorityActivityOnly
	}
	return PrioritySuppressed
}

func (d *Dispatcher) markHighProgressPush(now time.Time) {
	d.mu.Lock()
	d.lastProgressPush = now
	d.mu.Unlock()
}
