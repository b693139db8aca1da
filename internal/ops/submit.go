package ops

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/fieldbook/internal/engine"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// SubmitInput contains parameters for the Submit operation.
type SubmitInput struct {
	// Snapshot, when set, is saved as the draft before submitting.
	Snapshot json.RawMessage
}

// SubmitOutput contains the result of the Submit operation.
type SubmitOutput struct {
	DraftID     string     `json:"draft_id"`
	QueueItemID string     `json:"queue_item_id"`
	Type        queue.Type `json:"type"`

	// Superseded is true when an earlier unsent CREATE for this draft was
	// updated in place instead of queuing a second one.
	Superseded bool `json:"superseded,omitempty"`

	Pending int             `json:"pending"`
	Sync    *engine.Summary `json:"sync,omitempty"`
}

// Submit queues the current draft for the backend and drains immediately when online.
//
// A draft never has more than one queued CREATE: resubmitting before the record
// exists replaces the queued payload. Once the record exists remotely the
// resubmission becomes an UPDATE.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*SubmitOutput, error) {
	out, err := s.enqueueSubmission(ctx, input)
	if err != nil {
		return nil, err
	}

	out.Sync = s.syncIfOnline(ctx, engine.TriggerSubmit)

	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	out.Pending = pending
	return out, nil
}

func (s *Service) enqueueSubmission(ctx context.Context, input SubmitInput) (*SubmitOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.drafts.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	if len(input.Snapshot) > 0 {
		if _, err := s.drafts.SaveSnapshot(ctx, sess, input.Snapshot); err != nil {
			return nil, err
		}
	}

	d, err := s.drafts.Get(ctx)
	if err != nil {
		return nil, err
	}
	if d == nil || d.ID != sess.DraftID {
		return nil, errors.NewInvalidRequest("no draft to submit")
	}

	log := s.logger.WithField("draft", d.ID)
	out := &SubmitOutput{DraftID: d.ID}

	existing, err := s.queue.FindCreateForDraft(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	// Unsent CREATE: replace its payload and give it a fresh budget.
	if existing != nil && existing.RemoteID == "" {
		zero := 0
		pending := queue.StatusPending
		empty := ""
		var noWait int64
		stamp := d.LastModified
		if _, err := s.queue.Update(ctx, existing.ID, queue.Patch{
			Payload:              d.FormSnapshot,
			ExpectedLastModified: &stamp,
			RetryCount:           &zero,
			Status:               &pending,
			LastError:            &empty,
			LastErrorCode:        &empty,
			NextAttemptAt:        &noWait,
		}); err != nil {
			return nil, err
		}
		log.WithField("item", existing.ID).Info("queued create superseded")
		out.QueueItemID = existing.ID
		out.Type = queue.TypeCreate
		out.Superseded = true
		return out, nil
	}

	remoteID := ""
	if existing != nil {
		remoteID = existing.RemoteID
	}
	if remoteID == "" {
		if remoteID, err = s.links.Get(ctx, d.ID); err != nil {
			return nil, err
		}
	}

	item := queue.Item{
		Type:                 queue.TypeCreate,
		TargetKind:           queue.TargetSurvey,
		Payload:              d.FormSnapshot,
		DraftID:              d.ID,
		ExpectedLastModified: d.LastModified,
	}
	if remoteID != "" {
		item.Type = queue.TypeUpdate
		item.RecordID = remoteID
	}

	id, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, err
	}
	log.WithField("item", id).WithField("type", item.Type).Info("survey queued")
	out.QueueItemID = id
	out.Type = item.Type
	return out, nil
}
