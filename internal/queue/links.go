package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/errors"
)

// LinkPrefix is the store key prefix for draft to remote record links.
const LinkPrefix = "remote_"

// Link records the remote id assigned to a draft's record after its CREATE succeeded.
// Media captured under the draft upload against RemoteID.
type Link struct {
	DraftID  string `json:"draft_id"`
	RemoteID string `json:"remote_id"`
	LinkedAt int64  `json:"linked_at"` // unix ms
}

// Links stores draft to remote id links.
type Links struct {
	kv  *db.KV
	now func() time.Time
}

// NewLinks returns a link store backed by kv.
func NewLinks(kv *db.KV) *Links {
	return &Links{kv: kv, now: time.Now}
}

// Set links draftID to remoteID. Setting the same link again is a no-op.
func (l *Links) Set(ctx context.Context, draftID, remoteID string) error {
	if strings.TrimSpace(draftID) == "" || strings.TrimSpace(remoteID) == "" {
		return errors.NewInvalidRequest("draft id and remote id are required")
	}
	existing, err := l.Get(ctx, draftID)
	if err != nil {
		return err
	}
	if existing == remoteID {
		return nil
	}
	raw, err := json.Marshal(Link{DraftID: draftID, RemoteID: remoteID, LinkedAt: l.now().UnixMilli()})
	if err != nil {
		return errors.NewInternal(err)
	}
	return l.kv.Put(ctx, LinkPrefix+draftID, raw)
}

// Get returns the remote id linked to draftID, or "" when the draft has not been created remotely.
func (l *Links) Get(ctx context.Context, draftID string) (string, error) {
	if draftID == "" {
		return "", nil
	}
	raw, found, err := l.kv.Get(ctx, LinkPrefix+draftID)
	if err != nil || !found {
		return "", err
	}
	var link Link
	if err := json.Unmarshal(raw, &link); err != nil {
		return "", errors.NewStorageUnavailable("decode link", err)
	}
	return link.RemoteID, nil
}

// Delete drops the link for draftID.
func (l *Links) Delete(ctx context.Context, draftID string) error {
	return l.kv.Delete(ctx, LinkPrefix+draftID)
}

// All returns every link keyed by draft id.
func (l *Links) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for e, err := range l.kv.Scan(ctx, LinkPrefix) {
		if err != nil {
			return nil, err
		}
		var link Link
		if err := json.Unmarshal(e.Value, &link); err != nil {
			return nil, errors.NewStorageUnavailable("decode link", err)
		}
		out[link.DraftID] = link.RemoteID
	}
	return out, nil
}

// Purge removes every link.
func (l *Links) Purge(ctx context.Context) (int, error) {
	return l.kv.DeletePrefix(ctx, LinkPrefix)
}
