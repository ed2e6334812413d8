package printer

import (
	"context"
	"sync"
	"time"

	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

// The camera usually shows the head parked over the finished part a few
// seconds after the last move, so a recent frame beats one taken at the
// exact moment the done event fires.
const finalSnapInterval = 10 * time.Second

// FinalSnap keeps capturing snapshots while a print approaches its end so
// the completion notification can use a frame from just before the finish.
type FinalSnap struct {
	webcam Webcam
	clk    clock.Clock
	log    logx.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	last []byte
}

func StartFinalSnap(webcam Webcam, clk clock.Clock, log logx.Logger) *FinalSnap {
	ctx, cancel := context.WithCancel(context.Background())
	fs := &FinalSnap{
		webcam: webcam,
		clk:    clk,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go fs.run(ctx)
	return fs
}

func (fs *FinalSnap) run(ctx context.Context) {
	defer close(fs.done)

	fs.capture(ctx)
	ticker := fs.clk.NewTicker(finalSnapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			fs.capture(ctx)
		}
	}
}

func (fs *FinalSnap) capture(ctx context.Context) {
	snap, err := fs.webcam.Snapshot(ctx)
	if err != nil {
		// Common when no webcam is configured, so keep it quiet.
		fs.log.Debug("final snapshot capture failed", logx.Err(err))
		return
	}
	fs.mu.Lock()
	fs.last = snap
	fs.mu.Unlock()
}

// StopAndGet stops the capture loop and returns the most recent frame, or
// nil when none was captured.
func (fs *FinalSnap) StopAndGet() []byte {
	fs.cancel()
	<-fs.done
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.last
}
