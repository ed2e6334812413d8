// Package gcode scans gcode files for positions that should trigger
// notifications while printing: layer-change markers and user-authored
// notify commands. The print loop later compares the host's file position
// against the extracted offsets.
package gcode

import (
	"bufio"
	"context"
	"io"
	"strings"

	"octoagent/pkg/logx"
)

// Kind classifies an extracted notification.
type Kind int

const (
	KindFirstLayerDone Kind = iota
	KindThirdLayerDone
	KindMessage
)

// Notification is a point in the file at which something should be sent.
// Offset is the raw byte position just past the line that triggered it,
// which is what the host reports as its file position.
type Notification struct {
	Offset  int64
	Kind    Kind
	Message string
}

// Schedule is the extracted notifications in ascending offset order.
type Schedule []Notification

// Pending returns the notifications crossed when the file position moved
// from lastPos to pos.
func (s Schedule) Pending(lastPos, pos int64) []Notification {
	var out []Notification
	for _, n := range s {
		if n.Offset > lastPos && pos >= n.Offset {
			out = append(out, n)
		}
	}
	return out
}

const (
	readBufferSize = 4096
	// How many lines go by between context checks. Gcode files run into
	// millions of lines, so per-line checks are too hot.
	ctxCheckLines = 1024
)

// Extractor scans gcode for scheduled notifications.
type Extractor struct {
	log logx.Logger
	// StopAfterThirdLayer ends the scan at the third layer marker. The
	// layer notifications only cover the first layers, so for plain files
	// without notify commands most of the file never needs reading.
	StopAfterThirdLayer bool
}

func NewExtractor(log logx.Logger) *Extractor {
	return &Extractor{log: log, StopAfterThirdLayer: true}
}

// Extract scans src. Byte positions must be tracked exactly, including \r
// and \n, because they are matched against the host's file position later;
// the file is therefore consumed as raw bytes, never re-encoded.
func (e *Extractor) Extract(ctx context.Context, src io.Reader) (Schedule, error) {
	var (
		schedule Schedule
		detector layerDetector
		// The Nth layer marker counts as layer N.
		layerCounter int
		pos          int64
		lines        int
	)

	r := bufio.NewReaderSize(src, readBufferSize)
	for {
		lines++
		if lines%ctxCheckLines == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line, err := r.ReadString('\n')
		if len(line) > 0 {
			pos += int64(len(line))
			trimmed := strings.TrimSpace(line)

			if detector.isLayerChange(trimmed) {
				layerCounter++
				if layerCounter <= 4 {
					e.log.Debug("layer marker", logx.Int("layer", layerCounter), logx.Int64("pos", pos))
				}
				switch layerCounter {
				case 1:
					schedule = append(schedule, Notification{Offset: pos, Kind: KindFirstLayerDone})
				case 3:
					schedule = append(schedule, Notification{Offset: pos, Kind: KindThirdLayerDone})
					if e.StopAfterThirdLayer {
						e.log.Debug("third layer marker found, stopping scan early")
						return schedule, nil
					}
				}
			} else if message, ok := MessageFromCommand(trimmed); ok {
				e.log.Debug("custom notification found", logx.Int64("pos", pos))
				schedule = append(schedule, Notification{Offset: pos, Kind: KindMessage, Message: message})
			}
		}

		if err == io.EOF {
			return schedule, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
