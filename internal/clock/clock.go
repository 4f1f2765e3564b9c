// Package clock provides the time abstraction injected into every scheduled
// service, plus the pure local-calendar-to-UTC resolver used to compute
// send times. Keeping the resolver free of I/O makes the DST and leap-year
// edge cases fully unit-testable.
package clock

import "time"

// Clock abstracts time.Now so that schedulers and workers can be driven
// deterministically in tests. Production code uses SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now, always in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a Clock pinned to a single instant, for tests.
type FixedClock struct {
	T time.Time
}

// Now returns the pinned instant.
func (c FixedClock) Now() time.Time {
	return c.T
}
