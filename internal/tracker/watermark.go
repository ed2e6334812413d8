package tracker

// progressWatermark collapses the stream of computed progress values into
// one notification per whole percent, reported at most once. Because the
// progress is derived from the ETA it can repeat or even go backwards; when
// it jumps several percent at once only the largest unreported value fires.
type progressWatermark struct {
	// reported[i] covers percent i+1, for 1..99. 0 and 100 have their own
	// started/done events.
	reported [99]bool
}

// collapse marks every percent at or below progress as reported and returns
// the largest one that had not been reported yet, or 0 when there is nothing
// new to send.
func (w *progressWatermark) collapse(progress float64) float64 {
	var send float64
	for i := range w.reported {
		value := float64(i + 1)
		if value > progress {
			break
		}
		if !w.reported[i] {
			send = value
		}
		w.reported[i] = true
	}
	return send
}

func (w *progressWatermark) reset() {
	*w = progressWatermark{}
}
