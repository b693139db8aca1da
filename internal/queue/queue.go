// Package queue is the durable FIFO log of mutations waiting for the remote backend.
//
// Items live under sync_queue_<ulid>. ULIDs are issued from one monotonic
// source, so ascending key order is enqueue order. The queue is the only record
// of outstanding remote work: an item is removed only after its remote call
// succeeds, and items that run out of retries stay in place as failed.
package queue

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/ids"
)

// KeyPrefix is the store key prefix for queue items.
const KeyPrefix = "sync_queue_"

// DefaultMaxRetries applies when neither the item nor the queue sets a ceiling.
const DefaultMaxRetries = 5

// Type is the remote mutation kind.
type Type string

const (
	TypeCreate Type = "CREATE"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"
)

// TargetKind is the kind of record a mutation targets.
type TargetKind string

const (
	TargetSurvey TargetKind = "survey"
	TargetPhoto  TargetKind = "photo"
	TargetAudio  TargetKind = "audio"
)

// Status is the drain state of an item.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed" // exhausted or rejected; waits for retry-all or purge
)

// Item is one pending remote mutation.
type Item struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	TargetKind TargetKind      `json:"target_kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// DraftID links survey and media items to the local draft they came from.
	DraftID string `json:"draft_id,omitempty"`
	// RecordID is the remote record id for UPDATE and DELETE.
	RecordID string `json:"record_id,omitempty"`
	// MediaID is the local blob id for photo and audio items.
	MediaID string `json:"media_id,omitempty"`

	// ExpectedLastModified is the draft stamp captured at enqueue time.
	// The draft is cleared after a successful CREATE only if it still matches.
	ExpectedLastModified int64 `json:"expected_last_modified,omitempty"`

	// RemoteID is set once a CREATE has succeeded remotely, so a retry of the
	// remaining steps never creates the record twice.
	RemoteID string `json:"remote_id,omitempty"`

	EnqueuedAt    int64  `json:"enqueued_at"` // unix ms
	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	Status        Status `json:"status"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorCode string `json:"last_error_code,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"` // unix ms
}

// Key returns the store key for item.
func (i *Item) Key() string {
	return KeyPrefix + i.ID
}

// Exhausted reports whether the item has used all of its retries.
func (i *Item) Exhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	RetryCount           *int
	Status               *Status
	LastError            *string
	LastErrorCode        *string
	RemoteID             *string
	Payload              json.RawMessage
	ExpectedLastModified *int64
	NextAttemptAt        *int64
}

func (p Patch) apply(item *Item) {
	if p.RetryCount != nil {
		item.RetryCount = *p.RetryCount
	}
	if p.Status != nil {
		item.Status = *p.Status
	}
	if p.LastError != nil {
		item.LastError = *p.LastError
	}
	if p.LastErrorCode != nil {
		item.LastErrorCode = *p.LastErrorCode
	}
	if p.RemoteID != nil {
		item.RemoteID = *p.RemoteID
	}
	if p.Payload != nil {
		item.Payload = p.Payload
	}
	if p.ExpectedLastModified != nil {
		item.ExpectedLastModified = *p.ExpectedLastModified
	}
	if p.NextAttemptAt != nil {
		item.NextAttemptAt = *p.NextAttemptAt
	}
}

// Queue is the durable sync queue.
type Queue struct {
	kv         *db.KV
	maxRetries int
	now        func() time.Time
}

// New returns a queue whose items default to maxRetries attempts.
func New(kv *db.KV, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{kv: kv, maxRetries: maxRetries, now: time.Now}
}

// Enqueue validates item, assigns its id and durably appends it.
// It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, item Item) (string, error) {
	if err := validate(&item); err != nil {
		return "", err
	}

	now := q.now()
	id, err := ids.NewAt(now)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	item.ID = id
	item.EnqueuedAt = now.UnixMilli()
	item.RetryCount = 0
	item.Status = StatusPending
	item.LastError = ""
	item.LastErrorCode = ""
	item.NextAttemptAt = 0
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.maxRetries
	}

	if err := q.put(ctx, &item); err != nil {
		return "", err
	}
	return id, nil
}

func validate(item *Item) error {
	switch item.Type {
	case TypeCreate, TypeUpdate, TypeDelete:
	default:
		return errors.NewInvalidRequest("type must be one of: CREATE, UPDATE, DELETE")
	}
	switch item.TargetKind {
	case TargetSurvey:
		switch item.Type {
		case TypeCreate:
			if strings.TrimSpace(item.DraftID) == "" {
				return errors.NewInvalidRequest("survey CREATE requires draft_id")
			}
		default:
			if item.RecordID == "" && item.DraftID == "" {
				return errors.NewInvalidRequest("survey UPDATE/DELETE requires record_id or draft_id")
			}
		}
		if item.Type != TypeDelete && len(item.Payload) == 0 {
			return errors.NewInvalidRequest("payload is required")
		}
	case TargetPhoto, TargetAudio:
		if item.Type != TypeCreate {
			return errors.NewInvalidRequest("media items support CREATE only")
		}
		if item.MediaID == "" {
			return errors.NewInvalidRequest("media items require media_id")
		}
	default:
		return errors.NewInvalidRequest("target_kind must be one of: survey, photo, audio")
	}
	if len(item.Payload) > 0 && !json.Valid(item.Payload) {
		return errors.NewInvalidRequest("payload must be valid JSON")
	}
	return nil
}

// Items returns a lazy sequence over the queue in enqueue order.
func (q *Queue) Items(ctx context.Context) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		for e, err := range q.kv.Scan(ctx, KeyPrefix) {
			if err != nil {
				yield(nil, err)
				return
			}
			item, err := decode(e.Value)
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// List returns every item, pending and failed, in enqueue order.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	var out []*Item
	for item, err := range q.Items(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Get returns the item with id, or NOT_FOUND.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	raw, found, err := q.kv.Get(ctx, KeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NewNotFound("queue item", id)
	}
	return decode(raw)
}

// Remove deletes the item with id. Removing an absent item is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.kv.Delete(ctx, KeyPrefix+id)
}

// Update applies patch to the item with id inside one transaction and
// returns the updated item.
func (q *Queue) Update(ctx context.Context, id string, patch Patch) (*Item, error) {
	var updated *Item
	err := q.kv.Batch(ctx, func(tx *db.Tx) error {
		raw, found, err := tx.Get(ctx, KeyPrefix+id)
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFound("queue item", id)
		}
		item, err := decode(raw)
		if err != nil {
			return err
		}
		patch.apply(item)
		out, err := json.Marshal(item)
		if err != nil {
			return errors.NewInternal(err)
		}
		if err := tx.Put(ctx, item.Key(), out); err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// PendingCount returns the queue depth: every item not yet confirmed remotely,
// including failed ones.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.kv.Count(ctx, KeyPrefix)
}

// Stats breaks the queue depth down by status.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Stats returns counts by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for item, err := range q.Items(ctx) {
		if err != nil {
			return Stats{}, err
		}
		s.Total++
		if item.Status == StatusFailed {
			s.Failed++
		} else {
			s.Pending++
		}
	}
	return s, nil
}

// FindCreateForDraft returns the survey CREATE item for draftID, or nil.
func (q *Queue) FindCreateForDraft(ctx context.Context, draftID string) (*Item, error) {
	for item, err := range q.Items(ctx) {
		if err != nil {
			return nil, err
		}
		if item.Type == TypeCreate && item.TargetKind == TargetSurvey && item.DraftID == draftID {
			return item, nil
		}
	}
	return nil, nil
}

// ResetFailed returns every failed item to pending with a fresh retry budget.
// Returns how many items were reset.
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	items, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	zero := 0
	pending := StatusPending
	empty := ""
	var noWait int64
	n := 0
	for _, item := range items {
		if item.Status != StatusFailed {
			continue
		}
		_, err := q.Update(ctx, item.ID, Patch{
			RetryCount:    &zero,
			Status:        &pending,
			LastError:     &empty,
			LastErrorCode: &empty,
			NextAttemptAt: &noWait,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Purge removes every item and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	return q.kv.DeletePrefix(ctx, KeyPrefix)
}

func (q *Queue) put(ctx context.Context, item *Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return errors.NewInternal(err)
	}
	return q.kv.Put(ctx, item.Key(), raw)
}

func decode(raw []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, errors.NewStorageUnavailable("decode queue item", err)
	}
	return &item, nil
}
