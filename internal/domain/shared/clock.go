package shared

import "time"

// Clock supplies the current time. Governance components never call
// time.Now directly so that tests can drive window and TTL expiry with a
// fake clock instead of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now returns the result of calling the wrapped function.
func (f ClockFunc) Now() time.Time {
	return f()
}
