package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/fieldbook/internal/connectivity"
	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/draft"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
	"github.com/hpungsan/fieldbook/internal/remote"
	"github.com/hpungsan/fieldbook/internal/scheduler"
)

// fakeBackend records every call in order. Failure hooks return the error for
// the n-th call (1-based) of their kind, or nil to succeed.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []string
	records map[string]string // idempotency key -> remote id
	nextID  int

	createErr func(n int, payload json.RawMessage) error
	uploadErr func(n int, u remote.MediaUpload) error
	updateErr func(n int) error
	onCreate  func()
	block     chan struct{} // when set, CreateRecord waits on it

	creates, uploads, updates int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]string)}
}

func (f *fakeBackend) CreateRecord(ctx context.Context, payload json.RawMessage, key string) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.creates++
	n := f.creates
	hook := f.createErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(n, payload); err != nil {
			f.record("create-failed:" + key)
			return "", err
		}
	}

	f.mu.Lock()
	id, ok := f.records[key]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("srv-%d", f.nextID)
		f.records[key] = id
	}
	f.calls = append(f.calls, "create:"+id)
	onCreate := f.onCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate()
	}
	return id, nil
}

func (f *fakeBackend) UpdateRecord(ctx context.Context, id string, payload json.RawMessage) (string, error) {
	f.mu.Lock()
	f.updates++
	n := f.updates
	f.mu.Unlock()
	if f.updateErr != nil {
		if err := f.updateErr(n); err != nil {
			return "", err
		}
	}
	f.record("update:" + id)
	return id, nil
}

func (f *fakeBackend) DeleteRecord(ctx context.Context, id string) error {
	f.record("delete:" + id)
	return nil
}

func (f *fakeBackend) UploadMedia(ctx context.Context, parentID string, u remote.MediaUpload) (string, error) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	f.mu.Unlock()
	if f.uploadErr != nil {
		if err := f.uploadErr(n, u); err != nil {
			f.record("upload-failed:" + parentID + ":" + u.LocalID)
			return "", err
		}
	}
	f.record("upload:" + parentID + ":" + u.LocalID)
	return "m-" + u.LocalID, nil
}

func (f *fakeBackend) Ping(context.Context) error { return nil }

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	kv      *db.KV
	drafts  *draft.Manager
	media   *media.Store
	queue   *queue.Queue
	links   *queue.Links
	backend *fakeBackend
	clock   *scheduler.Manual
	monitor *connectivity.Monitor
	engine  *Engine
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	kv := db.NewKV(database, "")
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		kv:      kv,
		drafts:  draft.NewManager(kv),
		media:   media.NewStore(kv, 32),
		queue:   queue.New(kv, maxRetries),
		links:   queue.NewLinks(kv),
		backend: newFakeBackend(),
		clock:   scheduler.NewManual(time.UnixMilli(1_700_000_000_000)),
		monitor: connectivity.NewMonitor(true),
	}
	h.engine = New(Config{
		Queue:       h.queue,
		Links:       h.links,
		Media:       h.media,
		Drafts:      h.drafts,
		Backend:     h.backend,
		Monitor:     h.monitor,
		Scheduler:   h.clock,
		BackoffBase: time.Second,
		Now:         h.clock.Now,
	})
	t.Cleanup(h.engine.Stop)
	return h
}

// saveDraft stores a snapshot for the current session and returns the draft.
func (h *harness) saveDraft(snapshot string) (draft.Session, *draft.Draft) {
	h.t.Helper()
	sess, err := h.drafts.LoadSession(h.ctx)
	require.NoError(h.t, err)
	d, err := h.drafts.SaveSnapshot(h.ctx, sess, json.RawMessage(snapshot))
	require.NoError(h.t, err)
	return sess, d
}

func (h *harness) capture(sess draft.Session, kind media.Kind) string {
	h.t.Helper()
	out, err := h.media.Save(h.ctx, sess, media.SaveInput{
		Kind:        kind,
		Payload:     []byte("blob-" + string(kind)),
		ContentType: "application/octet-stream",
		Section:     "site",
		Field:       string(kind),
	})
	require.NoError(h.t, err)
	return out.ID
}

func (h *harness) enqueueCreate(d *draft.Draft) string {
	h.t.Helper()
	id, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type:                 queue.TypeCreate,
		TargetKind:           queue.TargetSurvey,
		Payload:              d.FormSnapshot,
		DraftID:              d.ID,
		ExpectedLastModified: d.LastModified,
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) items() []*queue.Item {
	h.t.Helper()
	items, err := h.queue.List(h.ctx)
	require.NoError(h.t, err)
	return items
}
