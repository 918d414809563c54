package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// clock stamps ingested_at on first insert. Tests freeze it via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the bookkeeping time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Now returns the current bookkeeping time in UTC.
func Now() time.Time {
	return clock.Now().UTC()
}
