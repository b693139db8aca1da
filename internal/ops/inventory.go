package ops

import (
	"context"

	"github.com/hpungsan/fieldbook/internal/engine"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// DraftStatus describes the active draft.
type DraftStatus struct {
	ID           string `json:"id"`
	CreatedAt    int64  `json:"created_at"`
	LastModified int64  `json:"last_modified"`

	// Submitted is true when a queued item carries this exact revision.
	Submitted bool `json:"submitted"`

	// RemoteID is set once the record exists on the backend.
	RemoteID string `json:"remote_id,omitempty"`
}

// StatusOutput is the snapshot a status screen renders.
type StatusOutput struct {
	Namespace        string `json:"namespace"`
	RemoteConfigured bool   `json:"remote_configured"`
	Online           bool   `json:"online"`
	Syncing          bool   `json:"syncing"`
	State            string `json:"state"`

	SessionDraftID string       `json:"session_draft_id"`
	Draft          *DraftStatus `json:"draft,omitempty"`

	Queue queue.Stats        `json:"queue"`
	Items []QueueItemSummary `json:"items"`
	Media media.Counts       `json:"media"`
	Links int                `json:"links"`

	LastSync    *engine.Summary `json:"last_sync,omitempty"`
	NextRetryAt int64           `json:"next_retry_at,omitempty"` // unix ms
}

// Status gathers draft, queue, media and engine state in one read.
func (s *Service) Status(ctx context.Context) (*StatusOutput, error) {
	out := &StatusOutput{
		Namespace:        s.kv.Namespace(),
		RemoteConfigured: s.engine != nil,
		Online:           s.monitor.IsOnline(),
		State:            string(engine.StateIdle),
		Items:            []QueueItemSummary{},
	}

	sess, err := s.drafts.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	out.SessionDraftID = sess.DraftID

	d, err := s.drafts.Get(ctx)
	if err != nil {
		return nil, err
	}
	if d != nil {
		submittedAt, err := s.submittedAt(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		remoteID, err := s.links.Get(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out.Draft = &DraftStatus{
			ID:           d.ID,
			CreatedAt:    d.CreatedAt,
			LastModified: d.LastModified,
			Submitted:    submittedAt >= d.LastModified,
			RemoteID:     remoteID,
		}
	}

	for item, err := range s.queue.Items(ctx) {
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, summarizeItem(item))
		out.Queue.Total++
		if item.Status == queue.StatusFailed {
			out.Queue.Failed++
		} else {
			out.Queue.Pending++
		}
	}

	if out.Media, err = s.media.Count(ctx); err != nil {
		return nil, err
	}
	links, err := s.links.All(ctx)
	if err != nil {
		return nil, err
	}
	out.Links = len(links)

	if s.engine != nil {
		out.Syncing = s.engine.Syncing()
		out.State = string(s.engine.State())
		out.LastSync = s.engine.LastSummary()
		if at := s.engine.NextRetryAt(); !at.IsZero() {
			out.NextRetryAt = at.UnixMilli()
		}
	}
	return out, nil
}
