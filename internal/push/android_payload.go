package push

import (
	"context"
	"encoding/json"

	"octoagent/pkg/logx"
)

// androidType maps an event to the flat payload type the Android app keys on.
func androidType(event Event) string {
	switch event {
	case EventProgress, EventStarted, EventTimeProgress, EventResume:
		return "printing"
	case EventFirstLayerDone:
		return "first_layer_done"
	case EventThirdLayerDone:
		return "third_layer_done"
	case EventPaused:
		return "paused"
	case EventDone:
		return "completed"
	case EventError:
		return "error"
	case EventFilamentRequired:
		return "filament_required"
	case EventUserInteractionNeeded:
		return "paused_gcode"
	case EventCancelled:
		return "idle"
	case EventCustom:
		return "custom"
	}
	return ""
}

// androidPushData builds the Android payload, encrypted with the per-install
// key. If the key can't be obtained the plain JSON is sent instead of
// failing the whole event; that degradation is logged once.
func (d *Dispatcher) androidPushData(ctx context.Context, event Event, state State) string {
	var data map[string]any
	switch event {
	case EventBeep:
		data = map[string]any{"type": "beep"}
	case EventCustom:
		msg := state.Message
		if msg == "" {
			msg = "Gcode notification"
		}
		data = map[string]any{"type": "custom", "message": msg}
	default:
		now := d.clk.Now()
		data = map[string]any{
			"serverTime":        now.Unix(),
			"serverTimePrecise": float64(now.UnixNano()) / 1e9,
			"printId":           state.PrintID,
			"fileName":          state.FileName,
			"progress":          state.ProgressPercent,
			"timeLeft":          state.TimeRemainingSec,
			"type":              androidType(event),
		}
		// Layer info is -1/-1 on hosts that cannot report it.
		if state.CurrentLayer >= 0 && state.TotalLayers >= 0 {
			data["currentLayer"] = state.CurrentLayer
			data["totalLayers"] = state.TotalLayers
		}
		if state.Message != "" {
			data["message"] = state.Message
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		d.log.Error("failed to marshal android payload", logx.Err(err))
		return ""
	}

	secret, err := d.store.EncryptionKey(ctx)
	if err != nil {
		d.warnCipherOnce(err)
		return string(raw)
	}
	encrypted, err := newPayloadCipher(secret).Encrypt(raw)
	if err != nil {
		d.warnCipherOnce(err)
		return string(raw)
	}
	return encrypted
}

func (d *Dispatcher) warnCipherOnce(err error) {
	d.cipherWarn.Do(func() {
		d.log.Warn("payload encryption unavailable, sending unencrypted", logx.Err(err))
	})
}
