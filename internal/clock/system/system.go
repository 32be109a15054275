// Package system provides the wall clock used for run and job timestamps.
package system

import "time"

// Clock implements collector.Clock. All times are UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
