package tracker

import (
	"testing"
	"time"
)

func TestSpamContextBackoff(t *testing.T) {
	now := time.Unix(1700000000, 0)
	base := 5 * time.Minute

	c := &spamContext{}
	c.reportSent(now)

	// The first three repeats only wait the base interval.
	for i := 0; i < 2; i++ {
		if c.shouldSend(now.Add(base-time.Second), base) {
			t.Fatalf("send %d allowed before the base interval", i+2)
		}
		now = now.Add(base + time.Second)
		if !c.shouldSend(now, base) {
			t.Fatalf("send %d blocked after the base interval", i+2)
		}
		c.reportSent(now)
	}

	// From the fourth on the interval scales with the count.
	if c.count != 3 {
		t.Fatalf("expected count 3, got %d", c.count)
	}
	c.reportSent(now) // count 4
	if c.shouldSend(now.Add(base+time.Second), base) {
		t.Fatalf("count 4 must wait 4x the base interval")
	}
	if !c.shouldSend(now.Add(4*base+time.Second), base) {
		t.Fatalf("count 4 blocked after 4x the base interval")
	}
}

func TestSpamContextMultiplierCap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	base := 5 * time.Minute

	c := &spamContext{count: 1000, lastSent: now}
	if c.shouldSend(now.Add(time.Duration(maxSpamMultiplier)*base-time.Second), base) {
		t.Fatalf("allowed before the capped interval")
	}
	if !c.shouldSend(now.Add(time.Duration(maxSpamMultiplier)*base+time.Second), base) {
		t.Fatalf("blocked after the capped interval")
	}
}
