// Package engine drains the sync queue against the remote backend.
//
// A pass is single-flight: a trigger that arrives while a pass is running is
// dropped and reported as skipped, because the running pass re-reads the queue
// before it finishes. Items are dispatched strictly in enqueue order. The first
// transient failure stops the drain and schedules a re-drain with exponential
// backoff; items that run out of retries or are rejected by the backend are
// marked failed and the drain moves on. The engine never holds state the queue
// does not persist, so a crash mid-pass resumes from the queue alone.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/connectivity"
	"github.com/hpungsan/fieldbook/internal/draft"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
	"github.com/hpungsan/fieldbook/internal/remote"
	"github.com/hpungsan/fieldbook/internal/scheduler"
)

// DefaultBackoffBase is the delay unit for retries: base * 2^retryCount.
const DefaultBackoffBase = time.Second

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// Trigger names what started a pass.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerOnline  Trigger = "online"
	TriggerBackoff Trigger = "backoff"
	TriggerStartup Trigger = "startup"
	TriggerSubmit  Trigger = "submit"
)

// State is the engine's position in a pass.
type State string

const (
	StateIdle         State = "idle"
	StateDraining     State = "draining"
	StateDispatching  State = "dispatching"
	StateLinkingMedia State = "linking_media"
	StateClearing     State = "clearing_draft"
	StateRetrying     State = "retrying"
	StateSweeping     State = "media_sweep"
)

// Config wires an Engine.
type Config struct {
	Queue   *queue.Queue
	Links   *queue.Links
	Media   *media.Store
	Drafts  *draft.Manager
	Backend remote.Backend

	// Monitor is optional. When set, Start subscribes to online edges and
	// backoff re-drains are skipped while offline.
	Monitor *connectivity.Monitor

	// Scheduler runs backoff re-drains. Defaults to scheduler.Real.
	Scheduler   scheduler.Scheduler
	BackoffBase time.Duration
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

// Engine is the sync reconciler.
type Engine struct {
	queue   *queue.Queue
	links   *queue.Links
	media   *media.Store
	drafts  *draft.Manager
	backend remote.Backend
	monitor *connectivity.Monitor
	sched   scheduler.Scheduler
	base    time.Duration
	now     func() time.Time
	logger  logrus.FieldLogger

	mu          sync.Mutex
	syncing     bool
	exclusive   bool
	state       State
	last        *Summary
	retryCancel scheduler.Cancel
	retryAt     time.Time
	runCtx      context.Context
	unsubscribe func()
	stopped     bool
}

// New returns an engine. Call Start to react to connectivity edges.
func New(cfg Config) *Engine {
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.Real{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		queue:   cfg.Queue,
		links:   cfg.Links,
		media:   cfg.Media,
		drafts:  cfg.Drafts,
		backend: cfg.Backend,
		monitor: cfg.Monitor,
		sched:   cfg.Scheduler,
		base:    cfg.BackoffBase,
		now:     cfg.Now,
		logger:  logging.Component(cfg.Logger, "sync"),
		state:   StateIdle,
		runCtx:  context.Background(),
	}
}

// Start subscribes to connectivity edges and, if online, runs a startup pass
// in the background so work left by a previous process resumes.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.stopped = false
	if e.monitor != nil && e.unsubscribe == nil {
		e.unsubscribe = e.monitor.OnBecameOnline(func() {
			e.Sync(e.context(), TriggerOnline)
		})
	}
	e.mu.Unlock()

	if e.online() {
		go e.Sync(ctx, TriggerStartup)
	}
}

// Stop unsubscribes from connectivity and cancels any scheduled re-drain.
// A pass already running finishes normally.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.cancelRetryLocked()
}

// Syncing reports whether a pass is running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// State returns the current pass state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSummary returns the summary of the last completed pass, or nil.
func (e *Engine) LastSummary() *Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// NextRetryAt returns when the scheduled re-drain fires, or the zero time.
func (e *Engine) NextRetryAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryAt
}

// Sync runs one drain pass and returns its summary. It never returns an error:
// per-item failures are recorded in the summary. When a pass is already
// running the call returns immediately with Skipped set.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) *Summary {
	e.mu.Lock()
	if e.syncing || e.exclusive {
		e.mu.Unlock()
		e.logger.WithField("trigger", trigger).Debug("sync already running, trigger dropped")
		return &Summary{Trigger: trigger, Skipped: true}
	}
	e.syncing = true
	// This pass covers whatever the pending re-drain would have done.
	e.cancelRetryLocked()
	e.mu.Unlock()

	sum := &Summary{Trigger: trigger, StartedAt: e.now().UnixMilli()}
	defer func() {
		if r := recover(); r != nil {
			sum.addError("", "", errors.NewInternal(fmt.Errorf("panic: %v", r)), 0)
			e.logger.WithField("panic", r).Error("sync pass panicked")
		}
		sum.FinishedAt = e.now().UnixMilli()
		e.mu.Lock()
		e.syncing = false
		e.state = StateIdle
		e.last = sum
		e.mu.Unlock()
		e.logPass(sum)
	}()

	stopErr := e.drain(ctx, sum)
	e.sweep(ctx, sum, stopErr)
	return sum
}

// Exclusive runs fn while no pass can start. It returns CONFLICT without
// calling fn when a pass or another exclusive section is already running.
// Triggers that arrive while fn runs are dropped like any other overlap.
func (e *Engine) Exclusive(fn func() error) error {
	e.mu.Lock()
	if e.syncing || e.exclusive {
		e.mu.Unlock()
		return errors.NewConflict("a sync pass is running; try again when it finishes")
	}
	e.exclusive = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.exclusive = false
		e.mu.Unlock()
	}()
	return fn()
}

func (e *Engine) logPass(sum *Summary) {
	entry := e.logger.WithFields(logrus.Fields{
		"trigger":        sum.Trigger,
		"attempted":      sum.Attempted,
		"succeeded":      sum.Succeeded,
		"retrying":       sum.Retrying,
		"exhausted":      sum.Exhausted,
		"rejected":       sum.Rejected,
		"media_uploaded": sum.MediaUploaded,
		"media_failed":   sum.MediaFailed,
	})
	if len(sum.Errors) > 0 {
		entry.Warn("sync pass finished with errors")
		return
	}
	entry.Info("sync pass finished")
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

func (e *Engine) online() bool {
	return e.monitor == nil || e.monitor.IsOnline()
}

// Backoff returns the delay before the re-drain that follows the retryCount-th failure.
func Backoff(base time.Duration, retryCount int) time.Duration {
	shift := min(max(retryCount, 0), maxBackoffShift)
	return base * time.Duration(1<<shift)
}

// scheduleRetry arranges one re-drain after delay, replacing any earlier one.
func (e *Engine) scheduleRetry(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.cancelRetryLocked()
	e.retryAt = e.now().Add(delay)
	e.retryCancel = e.sched.After(delay, func() {
		e.mu.Lock()
		e.retryCancel = nil
		e.retryAt = time.Time{}
		ctx := e.runCtx
		e.mu.Unlock()

		if !e.online() {
			// The next online edge triggers the drain.
			return
		}
		e.Sync(ctx, TriggerBackoff)
	})
}

func (e *Engine) cancelRetryLocked() {
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
	e.retryAt = time.Time{}
}
