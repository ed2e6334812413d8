package tracker

import "time"

// A day of 5-minute intervals. Events that keep repeating back off up to
// once per day and no further.
const maxSpamMultiplier = 288

// spamContext throttles an event that may fire repeatedly, like M600 loops
// or a host stuck in an error state. The first three sends go through at the
// base interval; after that the interval grows with the consecutive count.
type spamContext struct {
	count    int
	lastSent time.Time
}

func (c *spamContext) shouldSend(now time.Time, base time.Duration) bool {
	multiplier := 1
	if c.count > 3 {
		multiplier = c.count
	}
	if multiplier > maxSpamMultiplier {
		multiplier = maxSpamMultiplier
	}
	return now.Sub(c.lastSent) > time.Duration(multiplier)*base
}

func (c *spamContext) reportSent(now time.Time) {
	c.count++
	c.lastSent = now
}

// shouldSendSpammyEvent reports whether the named event may be sent now and
// records the send if so. Callers sharing a key de-dup against each other;
// pause and filament change both gate on the interaction key.
func (t *Tracker) shouldSendSpammyEvent(name string, base time.Duration) bool {
	t.spamMu.Lock()
	defer t.spamMu.Unlock()

	now := t.clk.Now()
	ctx, ok := t.spam[name]
	if !ok {
		ctx = &spamContext{}
		ctx.reportSent(now)
		t.spam[name] = ctx
		return true
	}
	if !ctx.shouldSend(now, base) {
		return false
	}
	ctx.reportSent(now)
	return true
}

// clearSpammyEventContexts forgets all throttling state. Called on new
// prints and on resume, on the assumption the user cleared the condition.
func (t *Tracker) clearSpammyEventContexts() {
	t.spamMu.Lock()
	t.spam = make(map[string]*spamContext)
	t.spamMu.Unlock()
}
