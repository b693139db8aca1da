package ops

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// UpdateInput contains parameters for the Update operation.
// Exactly one of RecordID or DraftID addresses the record.
type UpdateInput struct {
	RecordID string // remote record id
	DraftID  string // local draft id, resolved to its remote record at sync time
	Payload  json.RawMessage
}

// UpdateOutput contains the result of the Update operation.
type UpdateOutput struct {
	QueueItemID string `json:"queue_item_id"`
	Pending     int    `json:"pending"`
}

// Update queues a full replacement of an existing survey record.
func (s *Service) Update(ctx context.Context, input UpdateInput) (*UpdateOutput, error) {
	recordID, draftID, err := validateTarget(input.RecordID, input.DraftID)
	if err != nil {
		return nil, err
	}
	if len(input.Payload) == 0 {
		return nil, errors.NewInvalidRequest("payload is required")
	}

	id, err := s.queue.Enqueue(ctx, queue.Item{
		Type:       queue.TypeUpdate,
		TargetKind: queue.TargetSurvey,
		Payload:    input.Payload,
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
	return &UpdateOutput{QueueItemID: id, Pending: pending}, nil
}

// validateTarget requires exactly one of recordID or draftID.
func validateTarget(recordID, draftID string) (string, string, error) {
	recordID = strings.TrimSpace(recordID)
	draftID = strings.TrimSpace(draftID)

	if recordID != "" && draftID != "" {
		return "", "", errors.NewInvalidRequest("specify either record_id or draft_id, not both")
	}
	if recordID == "" && draftID == "" {
		return "", "", errors.NewInvalidRequest("must specify either record_id or draft_id")
	}
	return recordID, draftID, nil
}
