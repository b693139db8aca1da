// Package connectivity tracks whether the remote backend is reachable.
//
// Monitor is a boolean with an edge-triggered "became online" event. Prober is
// one possible source that feeds it by pinging the backend; the sync engine only
// subscribes to edges and never polls.
package connectivity

import (
	"sync"
)

// Monitor holds the online flag and notifies subscribers on offline to online edges.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func()
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]func())}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state. Subscribers run only on a transition from
// offline to online, each on its own goroutine, so a slow drain never blocks
// the signal source. Returns whether the state changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	var fire []func()
	if online {
		fire = make([]func(), 0, len(m.subs))
		for _, fn := range m.subs {
			fire = append(fire, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fire {
		go fn()
	}
	return true
}

// OnBecameOnline registers fn for offline to online edges and returns a function
// that unsubscribes it.
func (m *Monitor) OnBecameOnline(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
