package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"octoagent/internal/registry"
	"octoagent/internal/remotecfg"
	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

const (
	// terminalDelay orders cancel/done/error after any immediately-prior
	// progress push. Best-effort only; there is no transactional guarantee.
	terminalDelay = 5 * time.Second
	// pausedSpacing separates the coupled paused update from the narrower
	// interaction alert that follows it.
	pausedSpacing = 2 * time.Second
)

// RetryPolicy bounds the per-event delivery retries. The first retry comes
// quickly (the fanout service is usually back within seconds when it
// restarts); later ones back off with the attempt count.
type RetryPolicy struct {
	MaxAttempts int
	ShortDelay  time.Duration
	LongDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, ShortDelay: 20 * time.Second, LongDelay: time.Minute}
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.ShortDelay
	}
	return time.Duration(attempt) * p.LongDelay
}

// Dispatcher owns target discovery, the priority/throttling decision, payload
// construction and delivery. Events are queued and sent from a single worker
// so checkpoint-crossing dispatches keep their order and lifecycle callers
// never block on the network.
type Dispatcher struct {
	log    logx.Logger
	clk    clock.Clock
	store  registry.Store
	remote *remotecfg.Holder
	sender *sender
	retry  RetryPolicy

	mu               sync.Mutex
	printerName      string
	lastProgressPush time.Time
	lastState        State

	cipherWarn sync.Once

	queue chan job
}

type job struct {
	id    string
	event Event
	state State
}

type Options struct {
	PrinterName string
	QueueSize   int
	RatePerSec  int
	// DispatchURL overrides the endpoint from the remote config (dev use).
	DispatchURL string
	Clock       clock.Clock
	Retry       RetryPolicy
}

func NewDispatcher(store registry.Store, remote *remotecfg.Holder, opts Options, log logx.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.PrinterName == "" {
		opts.PrinterName = "Printer"
	}
	return &Dispatcher{
		log:         log,
		clk:         opts.Clock,
		store:       store,
		remote:      remote,
		sender:      newSender(opts.RatePerSec, opts.DispatchURL, log),
		retry:       opts.Retry,
		printerName: opts.PrinterName,
		queue:       make(chan job, opts.QueueSize),
	}
}

func (d *Dispatcher) PrinterName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.printerName
}

// SetPrinterName applies a config change; it shows up in alert texts.
func (d *Dispatcher) SetPrinterName(name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	d.printerName = name
	d.mu.Unlock()
}

// Send queues one event for delivery. It never blocks; when the queue is
// full the event is dropped with a log line, because stalling the lifecycle
// caller would stall the print host.
func (d *Dispatcher) Send(event Event, state State) {
	j := job{id: uuid.NewString(), event: event, state: state}
	select {
	case d.queue <- j:
	default:
		d.log.Warn("dispatch queue full, dropping event", eventField(event), logx.String("job", j.id))
	}
}

// Run drains the queue until ctx is done. Run it once, on a background task.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.dispatch(ctx, j)
		}
	}
}

// dispatch delivers one event with the bounded retry policy. Permanent
// client errors abort immediately; everything else backs off and retries.
// Failures never propagate to the lifecycle caller.
func (d *Dispatcher) dispatch(ctx context.Context, j job) {
	log := d.log.With(eventField(j.event), logx.String("job", j.id))

	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		err := d.sendOnce(ctx, j.event, j.state)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && se.Permanent() {
			log.Error("delivery rejected, not retrying", logx.Err(err))
			break
		}
		if attempt == d.retry.MaxAttempts {
			break
		}
		delay := d.retry.Delay(attempt)
		log.Warn("delivery failed, retrying", logx.Err(err), logx.Int("attempt", attempt), logx.Duration("delay", delay))
		if err := d.clk.Sleep(ctx, delay); err != nil {
			return
		}
	}
	if lastErr != nil {
		log.Error("delivery failed after retries", logx.Err(lastErr))
	}

	// Terminal events retire the per-print synthesized activity targets,
	// delivered or not.
	if j.event.Terminal() {
		if err := d.store.RemoveTemporary(ctx); err != nil {
			log.Warn("failed to remove temporary targets", logx.Err(err))
		}
	}
}

func (d *Dispatcher) sendOnce(ctx context.Context, event Event, state State) error {
	if event == EventDone {
		state.ProgressPercent = 100
	}
	d.mu.Lock()
	d.lastState = state
	d.mu.Unlock()

	priority := d.determinePriority(event, state)
	if priority == PrioritySuppressed {
		d.log.Debug("progress update suppressed", logx.Int("progress", state.ProgressPercent))
		return nil
	}

	targets, err := d.pushTargets(ctx, event)
	if err != nil {
		return err
	}
	if priority == PriorityActivityOnly {
		targets = registry.Activities(targets)
	}
	if len(targets) == 0 {
		d.log.Debug("no targets, skipping notification", eventField(event))
		return nil
	}

	beforeFilter := len(targets)
	targets = filterExcluded(targets, event)

	iosTargets := registry.IosApps(targets)
	activityTargets := registry.Activities(targets)
	androidTargets := registry.Androids(targets)
	autoStarts := registry.AutoStarts(targets)

	var apnsData map[string]any
	switch {
	case event == EventStarted && len(autoStarts) > 0:
		apnsData = d.activityStartData(event, state)
	case len(iosTargets) > 0 || len(activityTargets) > 0:
		apnsData = d.apnsPushData(event, state)
	}

	// Some devices opted out of interaction alerts. Push a paused update to
	// the full set first so their live activities reflect the paused state
	// before the narrower alert goes out.
	if event == EventUserInteractionNeeded && beforeFilter != len(targets) {
		d.log.Info("interaction needed, sending paused state first")
		if err := d.sendOnce(ctx, EventPaused, state); err != nil {
			d.log.Warn("coupled paused send failed", logx.Err(err))
		}
		if err := d.clk.Sleep(ctx, pausedSpacing); err != nil {
			return err
		}
	}

	if len(androidTargets) == 0 && apnsData == nil {
		d.log.Debug("no android targets and no apns data, skipping", eventField(event))
		return nil
	}
	if len(androidTargets) == 0 && len(activityTargets) == 0 && !hasAlert(apnsData) {
		d.log.Debug("no alert body and no activity targets, skipping", eventField(event))
		return nil
	}

	// Best-effort ordering: give any in-flight progress push a head start so
	// the terminal notification is observed last.
	if event.Terminal() {
		if err := d.clk.Sleep(ctx, terminalDelay); err != nil {
			return err
		}
	}

	androidData := d.androidPushData(ctx, event, state)
	return d.doSendNotification(ctx, targets, priority == PriorityHigh, apnsData, androidData)
}

// SweepExpiredActivities ends and removes live-activity targets whose tokens
// expired. Activities get a final "expired" content state so the surface
// doesn't show a stale print forever.
func (d *Dispatcher) SweepExpiredActivities(ctx context.Context) error {
	expired, err := d.store.Expired(ctx, d.clk.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	d.log.Info("retiring expired activity targets", logx.Int("count", len(expired)))

	activities := registry.Activities(expired)
	if len(activities) > 0 {
		d.mu.Lock()
		last := d.lastState
		d.mu.Unlock()
		apnsData := activityContentState(true, last, "expired", d.clk.Now())
		if err := d.doSendNotification(ctx, activities, true, apnsData, "none"); err != nil {
			d.log.Warn("failed to end expired activities", logx.Err(err))
		}
	}
	return d.store.Remove(ctx, expired)
}

func eventField(e Event) logx.Field { return logx.String("event", string(e)) }
