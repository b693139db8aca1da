package draft

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/errors"
)

func newTestManager(t *testing.T) (*Manager, *db.KV) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	kv := db.NewKV(database, "")
	return NewManager(kv), kv
}

func TestLoadSession_CreatesOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	m, kv := newTestManager(t)

	first, err := m.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if first.DraftID == "" {
		t.Fatal("DraftID should not be empty")
	}

	// Simulated reload: new manager over the same store
	second, err := NewManager(kv).LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() after reload error = %v", err)
	}
	if second.DraftID != first.DraftID {
		t.Errorf("DraftID changed across reload: %s -> %s", first.DraftID, second.DraftID)
	}
}

func TestRotate_IssuesNewID(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	first, _ := m.LoadSession(ctx)
	rotated, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if rotated.DraftID == first.DraftID {
		t.Error("Rotate() returned the same draft id")
	}
	current, _ := m.LoadSession(ctx)
	if current.DraftID != rotated.DraftID {
		t.Errorf("LoadSession() = %s, want rotated %s", current.DraftID, rotated.DraftID)
	}
}

func TestSaveSnapshot_Validation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sess, _ := m.LoadSession(ctx)

	tests := []struct {
		name     string
		sess     Session
		snapshot string
	}{
		{name: "empty", sess: sess, snapshot: ""},
		{name: "whitespace", sess: sess, snapshot: "  \n"},
		{name: "invalid json", sess: sess, snapshot: "{site:"},
		{name: "no draft id", sess: Session{}, snapshot: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SaveSnapshot(ctx, tt.sess, json.RawMessage(tt.snapshot))
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("SaveSnapshot() error = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestSaveSnapshot_LatestWinsAcrossReload(t *testing.T) {
	ctx := context.Background()
	m, kv := newTestManager(t)
	sess, _ := m.LoadSession(ctx)

	for i := range 5 {
		snap := json.RawMessage(`{"step":` + string(rune('0'+i)) + `}`)
		if _, err := m.SaveSnapshot(ctx, sess, snap); err != nil {
			t.Fatalf("SaveSnapshot(%d) error = %v", i, err)
		}
	}

	got, found, err := NewManager(kv).LoadSnapshot(ctx)
	if err != nil || !found {
		t.Fatalf("LoadSnapshot() = found %v, err %v", found, err)
	}
	if string(got) != `{"step":4}` {
		t.Errorf("LoadSnapshot() = %s, want {\"step\":4}", got)
	}

	// Exactly one draft record exists
	n, err := kv.Count(ctx, DraftKey)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("draft records = %d, want 1", n)
	}
}

func TestSaveSnapshot_TimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	frozen := time.UnixMilli(1_700_000_000_000)
	m.SetClock(func() time.Time { return frozen })
	sess, _ := m.LoadSession(ctx)

	first, err := m.SaveSnapshot(ctx, sess, json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	second, err := m.SaveSnapshot(ctx, sess, json.RawMessage(`{"a":2}`))
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	if second.LastModified <= first.LastModified {
		t.Errorf("LastModified %d not greater than %d", second.LastModified, first.LastModified)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("CreatedAt changed: %d -> %d", first.CreatedAt, second.CreatedAt)
	}
	if !second.IsDraft {
		t.Error("IsDraft should be true")
	}
}

func TestSaveSnapshot_NewSessionReplacesDraft(t *testing.T) {
	ctx := context.Background()
	m, kv := newTestManager(t)
	first, _ := m.LoadSession(ctx)
	if _, err := m.SaveSnapshot(ctx, first, json.RawMessage(`{"old":true}`)); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	next, _ := m.Rotate(ctx)
	d, err := m.SaveSnapshot(ctx, next, json.RawMessage(`{"new":true}`))
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if d.ID != next.DraftID {
		t.Errorf("draft id = %s, want %s", d.ID, next.DraftID)
	}
	if n, _ := kv.Count(ctx, DraftKey); n != 1 {
		t.Errorf("draft records = %d, want 1", n)
	}
}

func TestClearIfUnchanged(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sess, _ := m.LoadSession(ctx)

	t0, err := m.SaveSnapshot(ctx, sess, json.RawMessage(`{"v":0}`))
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	t1, err := m.SaveSnapshot(ctx, sess, json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	// Stale stamp: draft edited after the mutation was queued
	cleared, err := m.ClearIfUnchanged(ctx, t0.LastModified)
	if err != nil {
		t.Fatalf("ClearIfUnchanged() error = %v", err)
	}
	if cleared {
		t.Error("ClearIfUnchanged(T0) = true, want false")
	}
	d, _ := m.Get(ctx)
	if d == nil || d.LastModified != t1.LastModified {
		t.Fatalf("draft after stale clear = %+v, want LastModified %d", d, t1.LastModified)
	}

	cleared, err = m.ClearIfUnchanged(ctx, t1.LastModified)
	if err != nil {
		t.Fatalf("ClearIfUnchanged() error = %v", err)
	}
	if !cleared {
		t.Error("ClearIfUnchanged(T1) = false, want true")
	}
	if d, _ := m.Get(ctx); d != nil {
		t.Errorf("draft still present: %+v", d)
	}

	// No draft: nothing to clear
	cleared, err = m.ClearIfUnchanged(ctx, t1.LastModified)
	if err != nil || cleared {
		t.Errorf("ClearIfUnchanged(absent) = %v, %v; want false, nil", cleared, err)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sess, _ := m.LoadSession(ctx)
	if _, err := m.SaveSnapshot(ctx, sess, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, found, _ := m.LoadSnapshot(ctx); found {
		t.Error("draft present after Clear")
	}

	// The session survives a discard
	after, _ := m.LoadSession(ctx)
	if after.DraftID != sess.DraftID {
		t.Errorf("session changed after Clear: %s -> %s", sess.DraftID, after.DraftID)
	}
}

func TestClearSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sess, _ := m.LoadSession(ctx)

	if err := m.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	next, _ := m.LoadSession(ctx)
	if next.DraftID == sess.DraftID {
		t.Error("LoadSession() reused the cleared draft id")
	}
}
