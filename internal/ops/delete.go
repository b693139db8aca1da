package ops

import (
	"context"

	"github.com/hpungsan/fieldbook/internal/queue"
)

// DeleteInput contains parameters for the Delete operation.
// Exactly one of RecordID or DraftID addresses the record.
type DeleteInput struct {
	RecordID string
	DraftID  string
}

// DeleteOutput contains the result of the Delete operation.
type DeleteOutput struct {
	QueueItemID string `json:"queue_item_id"`
	Pending     int    `json:"pending"`
}

// Delete queues removal of a survey record from the backend.
// A draft that never reached the backend is dropped from the queue without a remote call.
func (s *Service) Delete(ctx context.Context, input DeleteInput) (*DeleteOutput, error) {
	recordID, draftID, err := validateTarget(input.RecordID, input.DraftID)
	if err != nil {
		return nil, err
	}

	id, err := s.queue.Enqueue(ctx, queue.Item{
		Type:       queue.TypeDelete,
		TargetKind: queue.TargetSurvey,
		RecordID:   recordID,
		DraftID:    draftID,
	})
	if err != nil {
		return nil, err
	}

	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	return &DeleteOutput{QueueItemID: id, Pending: pending}, nil
}
