package gcode

import (
	"context"
	"os"
	"sync"

	"octoagent/pkg/logx"
)

// Sink receives the notifications the runner fires. The tracker implements
// it.
type Sink interface {
	OnFirstLayerDone()
	OnThirdLayerDone()
	OnCustomNotification(message string, unlimited bool)
}

// Runner holds the schedule for the file currently printing and fires the
// notifications as the host's reported file position crosses them.
type Runner struct {
	extractor *Extractor
	sink      Sink
	log       logx.Logger

	mu         sync.Mutex
	schedule   Schedule
	lastPos    int64
	scanGen    uint64
	cancelScan context.CancelFunc
}

func NewRunner(extractor *Extractor, sink Sink, log logx.Logger) *Runner {
	return &Runner{extractor: extractor, sink: sink, log: log}
}

// LoadFile scans the gcode file at path and installs its schedule. A newer
// LoadFile or Reset supersedes a scan still in flight: the old scan is
// cancelled and its result, should it still arrive, is discarded.
func (r *Runner) LoadFile(ctx context.Context, path string) error {
	gen, sctx, cancel := r.beginScan(ctx)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	schedule, err := r.extractor.Extract(sctx, f)
	if err != nil {
		return err
	}
	if !r.install(gen, schedule) {
		r.log.Debug("gcode scan superseded, discarding", logx.String("file", path))
		return nil
	}
	r.log.Info("gcode scan complete", logx.String("file", path), logx.Int("notifications", len(schedule)))
	return nil
}

// beginScan cancels any in-flight scan and registers a new one.
func (r *Runner) beginScan(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelScan != nil {
		r.cancelScan()
	}
	sctx, cancel := context.WithCancel(ctx)
	r.cancelScan = cancel
	r.scanGen++
	return r.scanGen, sctx, cancel
}

// install commits a finished scan unless a newer one started meanwhile.
func (r *Runner) install(gen uint64, schedule Schedule) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.scanGen {
		return false
	}
	r.schedule = schedule
	r.lastPos = 0
	return true
}

// Reset drops the current schedule and cancels any scan still in flight,
// for when a print ends or is aborted.
func (r *Runner) Reset() {
	r.mu.Lock()
	if r.cancelScan != nil {
		r.cancelScan()
		r.cancelScan = nil
	}
	r.scanGen++
	r.schedule = nil
	r.lastPos = 0
	r.mu.Unlock()
}

// OnFilePosition fires every notification between the previously reported
// position and pos. A position that jumps backwards, like after a host
// restart, fires nothing and moves the cursor; a new print installs a
// fresh schedule via LoadFile.
func (r *Runner) OnFilePosition(pos int64) {
	r.mu.Lock()
	pending := r.schedule.Pending(r.lastPos, pos)
	r.lastPos = pos
	r.mu.Unlock()

	for _, n := range pending {
		switch n.Kind {
		case KindFirstLayerDone:
			r.sink.OnFirstLayerDone()
		case KindThirdLayerDone:
			r.sink.OnThirdLayerDone()
		case KindMessage:
			r.sink.OnCustomNotification(n.Message, false)
		}
	}
}
