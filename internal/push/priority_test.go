package push

import (
	"testing"
	"time"
)

func TestDeterminePriorityProgress(t *testing.T) {
	tests := []struct {
		name      string
		progress  int
		sinceHigh time.Duration
		want      Priority
	}{
		{"checkpoint multiple", 40, 10 * time.Second, PriorityHigh},
		{"start band", 3, 10 * time.Second, PriorityHigh},
		{"end band", 97, 10 * time.Second, PriorityHigh},
		{"interval elapsed", 37, 6 * time.Minute, PriorityHigh},
		{"between intervals", 37, 40 * time.Second, PriorityActivityOnly},
		{"too soon", 37, 5 * time.Second, PrioritySuppressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, clk := newTestDispatcher(t, &fakeStore{}, "http://unused")
			d.markHighProgressPush(clk.Now())
			clk.Advance(tt.sinceHigh)

			got := d.determinePriority(EventProgress, State{ProgressPercent: tt.progress})
			if got != tt.want {
				t.Fatalf("progress %d after %v: got %v, want %v", tt.progress, tt.sinceHigh, got, tt.want)
			}
		})
	}
}

func TestDeterminePriorityNonProgress(t *testing.T) {
	d, clk := newTestDispatcher(t, &fakeStore{}, "http://unused")
	d.markHighProgressPush(clk.Now())

	for _, event := range []Event{EventStarted, EventPaused, EventDone, EventError, EventCustom} {
		if got := d.determinePriority(event, State{}); got != PriorityHigh {
			t.Fatalf("event %s: got %v, want high", event, got)
		}
	}
}

func TestHighProgressPushResetsInterval(t *testing.T) {
	d, clk := newTestDispatcher(t, &fakeStore{}, "http://unused")
	d.markHighProgressPush(clk.Now())

	clk.Advance(6 * time.Minute)
	if got := d.determinePriority(EventProgress, State{ProgressPercent: 37}); got != PriorityHigh {
		t.Fatalf("expected high after the interval, got %v", got)
	}

	// The high push just now restarted the clock.
	clk.Advance(5 * time.Second)
	if got := d.determinePriority(EventProgress, State{ProgressPercent: 38}); got != PrioritySuppressed {
		t.Fatalf("expected suppressed right after a high push, got %v", got)
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.Delay(1); got != 20*time.Second {
		t.Fatalf("first delay: got %v", got)
	}
	if got := p.Delay(2); got != 2*time.Minute {
		t.Fatalf("second delay: got %v", got)
	}
	if got := p.Delay(3); got != 3*time.Minute {
		t.Fatalf("third delay: got %v", got)
	}
}
