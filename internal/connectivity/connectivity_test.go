package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitor_EdgeTriggered(t *testing.T) {
	m := NewMonitor(false)
	var calls atomic.Int32
	var wg sync.WaitGroup
	m.OnBecameOnline(func() {
		calls.Add(1)
		wg.Done()
	})

	wg.Add(1)
	if !m.SetOnline(true) {
		t.Fatal("SetOnline(true) reported no change")
	}
	wg.Wait()

	// Staying online is not an edge
	if m.SetOnline(true) {
		t.Error("SetOnline(true) twice reported a change")
	}
	// Going offline does not notify
	m.SetOnline(false)
	if m.IsOnline() {
		t.Error("IsOnline() = true after SetOnline(false)")
	}

	wg.Add(1)
	m.SetOnline(true)
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(false)
	var calls atomic.Int32
	unsubscribe := m.OnBecameOnline(func() { calls.Add(1) })
	unsubscribe()

	m.SetOnline(true)
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("unsubscribed callback ran")
	}
}

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func TestProber_ProbeOnce(t *testing.T) {
	pinger := &fakePinger{err: errors.New("dial tcp: connection refused")}
	m := NewMonitor(true)
	p := NewProber(pinger, m, ProberConfig{})

	if p.ProbeOnce(context.Background()) {
		t.Error("ProbeOnce() = true with failing ping")
	}
	if m.IsOnline() {
		t.Error("monitor still online")
	}

	pinger.set(nil)
	if !p.ProbeOnce(context.Background()) {
		t.Error("ProbeOnce() = false with healthy ping")
	}
	if !m.IsOnline() {
		t.Error("monitor still offline")
	}
}

func TestProber_StartStop(t *testing.T) {
	pinger := &fakePinger{}
	m := NewMonitor(false)
	became := make(chan struct{}, 1)
	m.OnBecameOnline(func() { became <- struct{}{} })

	p := NewProber(pinger, m, ProberConfig{Interval: 5 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-became:
	case <-time.After(2 * time.Second):
		t.Fatal("prober never reported online")
	}

	p.Stop()
	p.Stop() // idempotent
}
