package domain

import "github.com/jonboulle/clockwork"

// clock stamps CreatedAt on reports. Fixtures and tests pin it with SetClock
// so generated records are reproducible.
var clock = clockwork.NewRealClock()

// SetClock replaces the record-stamping time source. A nil argument restores
// the real clock.
func SetClock(c clockwork.Clock) {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	clock = c
}
