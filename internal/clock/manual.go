package clock

import (
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when told to. Sleep advances the
// clock instead of blocking so code under test never stalls.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
	timers []manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t, firing timers that became due.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.fireLocked()
	m.mu.Unlock()
}

// After returns a channel that fires once the clock reaches now+d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, manualTimer{at: m.now.Add(d), ch: ch})
	return ch
}

// Sleep records d and advances the clock by it.
func (m *Manual) Sleep(d time.Duration) {
	m.mu.Lock()
	m.slept = append(m.slept, d)
	m.mu.Unlock()
	m.Advance(d)
}

// Slept returns the durations passed to Sleep so far.
func (m *Manual) Slept() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.slept...)
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.fireLocked()
	return m.now
}

func (m *Manual) fireLocked() {
	if len(m.timers) == 0 {
		return
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(m.now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- m.now
	}
	m.timers = remaining
}
