package push

import "time"

// alertSpec captures the per-event iOS alert texts: localizable keys plus
// literal fallback strings, an optional sound, and the live-activity state
// the event maps to.
type alertSpec struct {
	title     string
	titleKey  string
	titleArgs []string
	body      string
	bodyKey   string
	bodyArgs  []string
	sound     string
	// activityState is the live-activity content state; empty means the
	// event carries no activity update.
	activityState string
	// silent events update the activity without an alert block.
	silent bool
}

func (d *Dispatcher) alertFor(event Event, state State) (alertSpec, bool) {
	name := d.PrinterName()
	defaultBody := "Time to check " + name + "!"

	switch event {
	case EventStarted:
		return alertSpec{
			title: name + " started to print", titleKey: "print_notification___start_title", titleArgs: []string{name},
			body: "Open the app to see the progress", bodyKey: "print_notification___start_message",
			sound: "default", activityState: "printing",
		}, true
	case EventProgress, EventTimeProgress, EventResume:
		return alertSpec{activityState: "printing", silent: true}, true
	case EventFirstLayerDone:
		return alertSpec{
			title: "First layer completed", titleKey: "print_notification___layer_x_completed_title", titleArgs: []string{"1"},
			body: defaultBody, bodyKey: "print_notification___layer_x_completed_message", bodyArgs: []string{name},
			sound: "notification_filament_change.wav", activityState: "printing",
		}, true
	case EventThirdLayerDone:
		return alertSpec{
			title: "Third layer completed", titleKey: "print_notification___layer_x_completed_title", titleArgs: []string{"3"},
			body: defaultBody, bodyKey: "print_notification___layer_x_completed_message", bodyArgs: []string{name},
			sound: "notification_filament_change.wav", activityState: "printing",
		}, true
	case EventCancelled:
		return alertSpec{
			title: "Print on " + name + " cancelled", titleKey: "print_notification___cancelled_title", titleArgs: []string{name},
			body: state.FileName, bodyKey: state.FileName,
			sound: "notification_filament_change.wav", activityState: "cancelled",
		}, true
	case EventDone:
		return alertSpec{
			title: name + " is done!", titleKey: "print_notification___print_done_title", titleArgs: []string{name},
			body: state.FileName, bodyKey: state.FileName,
			sound: "notification_print_done.wav", activityState: "completed",
		}, true
	case EventFilamentRequired:
		return alertSpec{
			title: "Filament required", titleKey: "print_notification___filament_change_required_title", titleArgs: []string{name},
			body: state.FileName, bodyKey: state.FileName,
			sound: "notification_filament_change.wav", activityState: "filamentRequired",
		}, true
	case EventUserInteractionNeeded:
		return alertSpec{
			title: name + " needs attention!", titleKey: "print_notification___paused_from_gcode_title", titleArgs: []string{name},
			body: "Print was paused", bodyKey: "print_notification___paused_from_gcode_message",
			sound: "notification_filament_change.wav", activityState: "pausedGcode",
		}, true
	case EventPaused:
		return alertSpec{activityState: "paused", silent: true}, true
	case EventError:
		body := state.Error
		if body == "" {
			body = "Print failed"
		}
		return alertSpec{
			title: name + " needs attention!", titleKey: "print_notification___paused_from_gcode_title", titleArgs: []string{name},
			body:  body,
			sound: "notification_filament_change.wav", activityState: "error",
		}, true
	}
	return alertSpec{}, false
}

// apnsPushData builds the iOS payload: optional alert block plus the
// live-activity content state. Activities are only explicitly ended on
// cancel, error and done; ending on completion earlier would suppress the
// final alert on the lock-screen surface.
func (d *Dispatcher) apnsPushData(event Event, state State) map[string]any {
	switch event {
	case EventCustom:
		title := state.Message
		if title == "" {
			title = "Gcode notification"
		}
		name := d.PrinterName()
		return map[string]any{
			"alert": map[string]any{
				"title":    title,
				"body":     "Triggered on " + name + " by a Gcode command",
				"loc-key":  "print_notification___custom_message",
				"loc-args": []string{name},
			},
			"sound": "default",
		}
	case EventBeep:
		name := d.PrinterName()
		return map[string]any{
			"alert": map[string]any{
				"title":         "Beep",
				"body":          name + " needs attention",
				"title-loc-key": "print_notification___beep_title",
				"loc-key":       "print_notification___beep_message",
				"loc-args":      []string{name},
			},
			"sound": "default",
		}
	}

	spec, ok := d.alertFor(event, state)
	if !ok {
		d.log.Warn("missing payload handling for event", eventField(event))
		return nil
	}

	data := activityContentState(event.Terminal(), state, spec.activityState, d.clk.Now())

	if spec.sound != "" {
		data["sound"] = spec.sound
	}
	if spec.silent {
		return data
	}

	body := spec.body
	if body == "" && spec.bodyKey == "" {
		body = "Time to check " + d.PrinterName() + "!"
	}

	alert := map[string]any{}
	putNonEmpty(alert, "title", spec.title)
	putNonEmpty(alert, "body", body)
	putNonEmpty(alert, "title-loc-key", spec.titleKey)
	putArgs(alert, "title-loc-args", spec.titleArgs)
	putNonEmpty(alert, "loc-key", spec.bodyKey)
	putArgs(alert, "loc-args", spec.bodyArgs)
	data["alert"] = alert

	// A parallel plain notification rides along because iOS doesn't play the
	// activity sound reliably, especially with an Apple Watch connected.
	data["activity-alert"] = map[string]any{
		"title": map[string]any{"loc-key": spec.titleKey, "loc-args": spec.titleArgs},
		"body":  map[string]any{"loc-key": spec.bodyKey, "loc-args": spec.bodyArgs},
	}

	return data
}

// activityStartData builds the payload that starts a live activity on the
// fly via an auto-start token. The fanout service fills in
// attributes.instanceId.
func (d *Dispatcher) activityStartData(event Event, state State) map[string]any {
	data := activityContentState(false, state, "printing", d.clk.Now())
	for k, v := range d.apnsPushData(event, state) {
		data[k] = v
	}
	data["event"] = "start"
	data["attributes-type"] = "PrintActivityAttributes"
	data["attributes"] = map[string]any{
		"filePath":  state.FilePath,
		"startedAt": float64(d.clk.Now().UnixNano()) / 1e9,
	}
	return data
}

func activityContentState(isEnd bool, state State, activityState string, now time.Time) map[string]any {
	event := "update"
	if isEnd {
		event = "end"
	}
	cs := map[string]any{
		"fileName":   state.FileName,
		"filePath":   state.FilePath,
		"progress":   state.ProgressPercent,
		"sourceTime": now.UnixMilli(),
		"state":      activityState,
		"timeLeft":   state.TimeRemainingSec,
		"printTime":  state.DurationSec,
	}
	if state.Error != "" {
		cs["error"] = state.Error
	}
	return map[string]any{
		"event":         event,
		"content-state": cs,
	}
}

func putNonEmpty(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func putArgs(m map[string]any, k string, args []string) {
	if len(args) > 0 {
		m[k] = args
	}
}

// hasAlert reports whether the APNS payload carries a user-visible alert.
func hasAlert(apnsData map[string]any) bool {
	if apnsData == nil {
		return false
	}
	_, ok := apnsData["alert"]
	return ok
}
