// Package clock lets credential expiry checks and retry backoff run against
// a controllable time source.
package clock

import "time"

// Clock is the time source used by the credential cache and the storage
// retry wrapper. Now must return UTC so it compares cleanly with parsed
// credential expirations.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now().UTC() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Sleep(d time.Duration)                  { time.Sleep(d) }
