// Package draft owns the lifecycle of the single in-progress survey draft.
//
// The draft is stored under one fixed key, so saving under a new draft id
// replaces whatever was there before. The session key remembers which draft id
// the device is currently working on; it is passed explicitly to every call
// that needs it rather than read from ambient state.
package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/ids"
)

// Store keys
const (
	DraftKey   = "draft"
	SessionKey = "session"
)

// Session identifies the survey the device is currently collecting.
type Session struct {
	DraftID string `json:"draft_id"`
}

// Draft is the locally persisted form state.
type Draft struct {
	ID           string          `json:"id"`
	FormSnapshot json.RawMessage `json:"form_snapshot"`
	CreatedAt    int64           `json:"created_at"`    // unix ms
	LastModified int64           `json:"last_modified"` // unix ms, strictly increasing per save
	IsDraft      bool            `json:"is_draft"`
}

// Manager reads and writes the draft and session records.
type Manager struct {
	kv  *db.KV
	now func() time.Time

	// mu serializes read-modify-write of the draft record within the process.
	mu sync.Mutex
}

// NewManager returns a Manager backed by kv.
func NewManager(kv *db.KV) *Manager {
	return &Manager{kv: kv, now: time.Now}
}

// SetClock replaces the time source. Tests use it to force identical timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// LoadSession returns the persisted session, creating one on first use.
func (m *Manager) LoadSession(ctx context.Context) (Session, error) {
	raw, found, err := m.kv.Get(ctx, SessionKey)
	if err != nil {
		return Session{}, err
	}
	if found {
		var sess Session
		if err := json.Unmarshal(raw, &sess); err == nil && sess.DraftID != "" {
			return sess, nil
		}
	}
	return m.Rotate(ctx)
}

// Rotate issues a fresh draft id and persists it as the current session.
// Media and queue items tagged with the previous id are left untouched.
func (m *Manager) Rotate(ctx context.Context) (Session, error) {
	id, err := ids.NewAt(m.now())
	if err != nil {
		return Session{}, errors.NewInternal(err)
	}
	sess := Session{DraftID: id}
	raw, err := json.Marshal(sess)
	if err != nil {
		return Session{}, errors.NewInternal(err)
	}
	if err := m.kv.Put(ctx, SessionKey, raw); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SaveSnapshot upserts the draft for sess with the given form state.
// It never performs network I/O.
func (m *Manager) SaveSnapshot(ctx context.Context, sess Session, snapshot json.RawMessage) (*Draft, error) {
	if sess.DraftID == "" {
		return nil, errors.NewInvalidRequest("session has no draft id")
	}
	snapshot = bytes.TrimSpace(snapshot)
	if len(snapshot) == 0 {
		return nil, errors.NewInvalidRequest("form_snapshot is required")
	}
	if !json.Valid(snapshot) {
		return nil, errors.NewInvalidRequest("form_snapshot must be valid JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now().UnixMilli()
	d := &Draft{
		ID:           sess.DraftID,
		FormSnapshot: snapshot,
		CreatedAt:    now,
		LastModified: now,
		IsDraft:      true,
	}
	if prev != nil {
		if prev.ID == sess.DraftID {
			d.CreatedAt = prev.CreatedAt
		}
		// Two saves in the same millisecond must still be distinguishable
		// by the guarded clear.
		if d.LastModified <= prev.LastModified {
			d.LastModified = prev.LastModified + 1
		}
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := m.kv.Put(ctx, DraftKey, raw); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadSnapshot returns the stored form state, or found=false when no draft exists.
func (m *Manager) LoadSnapshot(ctx context.Context) (json.RawMessage, bool, error) {
	d, err := m.Get(ctx)
	if err != nil || d == nil {
		return nil, false, err
	}
	return d.FormSnapshot, true, nil
}

// Get returns the full draft record, or nil when none exists.
func (m *Manager) Get(ctx context.Context) (*Draft, error) {
	raw, found, err := m.kv.Get(ctx, DraftKey)
	if err != nil || !found {
		return nil, err
	}
	return decode(raw)
}

// ClearIfUnchanged deletes the draft only if its LastModified equals expected.
// Returns whether the draft was deleted.
func (m *Manager) ClearIfUnchanged(ctx context.Context, expected int64) (bool, error) {
	raw, found, err := m.kv.Get(ctx, DraftKey)
	if err != nil || !found {
		return false, err
	}
	d, err := decode(raw)
	if err != nil {
		return false, err
	}
	if d.LastModified != expected {
		return false, nil
	}
	// Delete only the exact record that was compared. A save landing between
	// the read and the delete changes the bytes and wins.
	return m.kv.CompareAndDelete(ctx, DraftKey, raw)
}

// Clear deletes the draft unconditionally.
func (m *Manager) Clear(ctx context.Context) error {
	return m.kv.Delete(ctx, DraftKey)
}

// ClearSession forgets the current draft id. The next LoadSession issues a new one.
func (m *Manager) ClearSession(ctx context.Context) error {
	return m.kv.Delete(ctx, SessionKey)
}

func decode(raw []byte) (*Draft, error) {
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.NewStorageUnavailable("decode draft", err)
	}
	return &d, nil
}
