// Package scheduler runs callbacks after a delay.
//
// The sync engine schedules re-drains through this interface instead of
// calling time.AfterFunc directly, so backoff can be driven by a virtual clock.
package scheduler

import (
	"slices"
	"sync"
	"time"
)

// Cancel stops a scheduled callback. It reports whether the callback was
// stopped before it ran.
type Cancel func() bool

// Scheduler runs fn once after d.
type Scheduler interface {
	After(d time.Duration, fn func()) Cancel
}

// Real schedules on the wall clock.
type Real struct{}

// After runs fn on its own goroutine after d.
func (Real) After(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// Manual is a virtual clock. Timers fire only when Advance moves time past
// their deadline. Safe for concurrent use.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at  time.Time
	seq int
	fn  func()
}

// NewManual returns a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers fn to run when the clock reaches now+d.
func (m *Manual) After(d time.Duration, fn func()) Cancel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, pending := range m.timers {
			if pending == t {
				m.timers = slices.Delete(m.timers, i, i+1)
				return true
			}
		}
		return false
	}
}

// Pending returns the delays of scheduled timers relative to now, soonest first.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.timers))
	for _, t := range m.sorted() {
		out = append(out, t.at.Sub(m.now))
	}
	return out
}

// Advance moves the clock forward by d and runs every timer that became due,
// in deadline order, on the calling goroutine. Callbacks may schedule new
// timers; those also run if they fall within the advanced window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.sorted()
		if len(due) == 0 || due[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		next := due[0]
		m.timers = slices.DeleteFunc(m.timers, func(t *manualTimer) bool { return t == next })
		m.now = next.at
		m.mu.Unlock()

		next.fn()
	}
}

// sorted returns timers ordered by deadline, then registration order.
// Caller holds mu.
func (m *Manual) sorted() []*manualTimer {
	out := slices.Clone(m.timers)
	slices.SortFunc(out, func(a, b *manualTimer) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	return out
}
