package s5b

import "time"

// TimeProvider supplies the clock behind every session deadline and stanza
// query timeout, so negotiations can be expired on demand in tests.
type TimeProvider interface {
	// Now stamps session creation.
	Now() time.Time
	// NewTimer drives the negotiation deadline of one session.
	NewTimer(d time.Duration) *time.Timer
	// AfterFunc bounds proxy discovery and activation queries.
	AfterFunc(d time.Duration, f func()) *time.Timer
}

// RealTimeProvider is the wall clock.
type RealTimeProvider struct{}

// Now returns time.Now.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// NewTimer returns time.NewTimer(d).
func (RealTimeProvider) NewTimer(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}

// AfterFunc returns time.AfterFunc(d, f).
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}

var defaultTimeProvider TimeProvider = RealTimeProvider{}

// SetDefaultTimeProvider replaces the clock used by managers whose Config
// has no TimeProvider. Nil restores the wall clock.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	defaultTimeProvider = tp
}

func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return defaultTimeProvider
}
