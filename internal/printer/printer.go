// Package printer abstracts the print host the agent is attached to. The
// tracker only needs a narrow view of it: time estimates, layer info and
// whether a print is actually running.
package printer

import "context"

// StateProvider is implemented by the host integration (OctoPrint plugin
// bridge, Moonraker client).
type StateProvider interface {
	// PrintTimeRemainingSec returns the best known ETA in seconds, or -1
	// when no estimate is available.
	PrintTimeRemainingSec() int64

	// CurrentLayerInfo returns the current and total layer counts. Both are
	// -1 when the host cannot provide them; 0 means not yet known.
	CurrentLayerInfo() (current, total int64)

	// TimersShouldRun reports whether the host is in a state where periodic
	// print notifications make sense. Paused and idle states return false.
	TimersShouldRun() bool
}

// Webcam returns snapshot frames from the printer camera.
type Webcam interface {
	Snapshot(ctx context.Context) ([]byte, error)
}
