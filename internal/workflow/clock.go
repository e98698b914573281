package workflow

import "time"

// Clock abstracts time for deterministic tests of timestamps and, in the
// scheduling package, slot search.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
