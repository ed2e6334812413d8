// Package push converts print lifecycle events into delivered push payloads:
// target selection, priority and throttling, payload construction for Android
// and iOS (alerts and live activities), and delivery with retry.
package push

import "octoagent/internal/registry"

// Event names the lifecycle transition being pushed. The values are wire
// names understood by the fanout service and the mobile apps.
type Event string

const (
	EventStarted               Event = "started"
	EventPaused                Event = "paused"
	EventResume                Event = "resume"
	EventFilamentRequired      Event = "filamentchange"
	EventUserInteractionNeeded Event = "userinteractionneeded"
	EventTimeProgress          Event = "timerprogress"
	EventProgress              Event = "progress"
	EventDone                  Event = "done"
	EventCancelled             Event = "cancelled"
	EventError                 Event = "error"
	EventCustom                Event = "custom"
	EventBeep                  Event = "beep"
	EventFirstLayerDone        Event = "first_layer_done"
	EventThirdLayerDone        Event = "third_layer_done"
)

// State is the snapshot of session state an event carries. The dispatcher
// never reaches back into the tracker; everything it needs rides here.
type State struct {
	PrintID    string
	FileName   string
	FilePath   string
	FileSizeKb int64
	FilamentMm int64

	ProgressPercent  int
	TimeRemainingSec int // -1 when the backend has no estimate
	DurationSec      int

	// Layer counts are -1 when the platform can't report them.
	CurrentLayer int
	TotalLayers  int

	Error   string
	Message string // custom gcode notification text
	Reason  string // cancellation reason

	HoursCount int // "still printing" counter for timerprogress
}

// Terminal reports whether the event ends the print session.
func (e Event) Terminal() bool {
	return e == EventDone || e == EventCancelled || e == EventError
}

// activityUnsupported lists events live activities can't render; they go to
// the iOS app directly.
func activityUnsupported(e Event) bool {
	switch e {
	case EventCustom, EventBeep, EventFirstLayerDone, EventThirdLayerDone:
		return true
	}
	return false
}

// highImportance lists events that go to activities AND app targets.
func highImportance(e Event) bool {
	switch e {
	case EventStarted, EventFilamentRequired, EventUserInteractionNeeded,
		EventCancelled, EventDone, EventError:
		return true
	}
	return false
}

// filterCategory maps an event to the per-target exclusion category the user
// can opt out of. Events without a category bypass filtering.
func filterCategory(e Event) (string, bool) {
	switch e {
	case EventFirstLayerDone:
		return "layer_1", true
	case EventThirdLayerDone:
		return "layer_3", true
	case EventFilamentRequired:
		return "filament_required", true
	case EventError:
		return "error", true
	case EventUserInteractionNeeded:
		return "interaction", true
	case EventBeep:
		return "beep", true
	}
	return "", false
}

// filterExcluded drops targets that opted out of the event's category.
func filterExcluded(ts []registry.Target, e Event) []registry.Target {
	category, ok := filterCategory(e)
	if !ok {
		return ts
	}
	out := ts[:0:0]
	for _, t := range ts {
		if !t.Excludes(category) {
			out = append(out, t)
		}
	}
	return out
}
