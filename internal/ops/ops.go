// Package ops composes the local stores and the sync engine into the
// operations a form UI calls: save and load the draft, capture media,
// submit, inspect and drive the sync queue.
package ops

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/config"
	"github.com/hpungsan/fieldbook/internal/connectivity"
	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/draft"
	"github.com/hpungsan/fieldbook/internal/engine"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
	"github.com/hpungsan/fieldbook/internal/remote"
	"github.com/hpungsan/fieldbook/internal/scheduler"
)

// Listing limits
const (
	DefaultQueueLimit = 50
	MaxQueueLimit     = 500
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Deps wires a Service.
type Deps struct {
	Config *config.Config
	KV     *db.KV

	// BaseDir is the data directory; backups default to BaseDir/exports.
	BaseDir string

	// Backend is nil when no remote is configured. Everything still queues
	// locally; TriggerSync reports the missing remote.
	Backend remote.Backend

	// Monitor defaults to online exactly when a backend is configured.
	Monitor *connectivity.Monitor

	Scheduler scheduler.Scheduler
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

// Service is the UI-facing facade over the local stores and the engine.
type Service struct {
	cfg        *config.Config
	kv         *db.KV
	drafts     *draft.Manager
	media      *media.Store
	queue      *queue.Queue
	links      *queue.Links
	engine     *engine.Engine
	backend    remote.Backend
	monitor    *connectivity.Monitor
	exportsDir string
	now        func() time.Time
	logger     logrus.FieldLogger

	// mu serializes operations that read the queue and then write it,
	// so two submits of the same draft cannot both enqueue a CREATE.
	mu sync.Mutex
}

// New builds a Service. The engine is created only when a backend is configured.
func New(deps Deps) *Service {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = connectivity.NewMonitor(deps.Backend != nil)
	}

	drafts := draft.NewManager(deps.KV)
	drafts.SetClock(now)

	s := &Service{
		cfg:        cfg,
		kv:         deps.KV,
		drafts:     drafts,
		media:      media.NewStore(deps.KV, cfg.ThumbnailMaxDim),
		queue:      queue.New(deps.KV, cfg.MaxRetries),
		links:      queue.NewLinks(deps.KV),
		backend:    deps.Backend,
		monitor:    monitor,
		exportsDir: filepath.Join(deps.BaseDir, "exports"),
		now:        now,
		logger:     logging.Component(deps.Logger, "ops"),
	}

	if deps.Backend != nil {
		s.engine = engine.New(engine.Config{
			Queue:       s.queue,
			Links:       s.links,
			Media:       s.media,
			Drafts:      s.drafts,
			Backend:     deps.Backend,
			Monitor:     monitor,
			Scheduler:   deps.Scheduler,
			BackoffBase: cfg.BackoffBase(),
			Now:         now,
			Logger:      deps.Logger,
		})
	}
	return s
}

// Start lets the engine react to connectivity edges. No-op without a backend.
func (s *Service) Start(ctx context.Context) {
	if s.engine != nil {
		s.engine.Start(ctx)
	}
}

// Stop detaches the engine and cancels any scheduled re-drain.
func (s *Service) Stop() {
	if s.engine != nil {
		s.engine.Stop()
	}
}

// Engine returns the sync engine, or nil when no backend is configured.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Monitor returns the connectivity monitor the engine listens to.
func (s *Service) Monitor() *connectivity.Monitor {
	return s.monitor
}

// Namespace returns the store namespace this service operates on.
func (s *Service) Namespace() string {
	return s.kv.Namespace()
}

// ExportsDir returns the default backup directory.
func (s *Service) ExportsDir() string {
	return s.exportsDir
}

// requireEngine fails when sync operations are requested without a remote.
func (s *Service) requireEngine() error {
	if s.engine == nil {
		return errors.NewInvalidRequest("no remote_url configured; changes are kept locally")
	}
	return nil
}

// syncIfOnline runs a pass when the device is online and returns its summary, or nil.
func (s *Service) syncIfOnline(ctx context.Context, trigger engine.Trigger) *engine.Summary {
	if s.engine == nil || !s.monitor.IsOnline() {
		return nil
	}
	return s.engine.Sync(ctx, trigger)
}

// holdEngine runs fn with sync passes held off. Without an engine there is
// nothing to hold.
func (s *Service) holdEngine(fn func() error) error {
	if s.engine == nil {
		return fn()
	}
	return s.engine.Exclusive(fn)
}
