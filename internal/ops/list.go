package ops

import (
	"context"

	"github.com/hpungsan/fieldbook/internal/queue"
)

// QueueItemSummary describes a queued mutation without its payload.
type QueueItemSummary struct {
	ID            string           `json:"id"`
	Type          queue.Type       `json:"type"`
	TargetKind    queue.TargetKind `json:"target_kind"`
	DraftID       string           `json:"draft_id,omitempty"`
	RecordID      string           `json:"record_id,omitempty"`
	MediaID       string           `json:"media_id,omitempty"`
	RemoteID      string           `json:"remote_id,omitempty"`
	EnqueuedAt    int64            `json:"enqueued_at"`
	RetryCount    int              `json:"retry_count"`
	MaxRetries    int              `json:"max_retries"`
	Status        queue.Status     `json:"status"`
	LastError     string           `json:"last_error,omitempty"`
	LastErrorCode string           `json:"last_error_code,omitempty"`
	NextAttemptAt int64            `json:"next_attempt_at,omitempty"`
	PayloadBytes  int              `json:"payload_bytes"`
}

func summarizeItem(item *queue.Item) QueueItemSummary {
	return QueueItemSummary{
		ID:            item.ID,
		Type:          item.Type,
		TargetKind:    item.TargetKind,
		DraftID:       item.DraftID,
		RecordID:      item.RecordID,
		MediaID:       item.MediaID,
		RemoteID:      item.RemoteID,
		EnqueuedAt:    item.EnqueuedAt,
		RetryCount:    item.RetryCount,
		MaxRetries:    item.MaxRetries,
		Status:        item.Status,
		LastError:     item.LastError,
		LastErrorCode: item.LastErrorCode,
		NextAttemptAt: item.NextAttemptAt,
		PayloadBytes:  len(item.Payload),
	}
}

// ListQueueInput contains parameters for the ListQueue operation.
type ListQueueInput struct {
	Status *queue.Status // optional filter
	Limit  int           // default: 50, max: 500
	Offset int           // default: 0
}

// ListQueueOutput contains the result of the ListQueue operation.
type ListQueueOutput struct {
	Items      []QueueItemSummary `json:"items"`
	Pagination Pagination         `json:"pagination"`
	Sort       string             `json:"sort"`
}

// ListQueue returns queued items in dispatch order.
func (s *Service) ListQueue(ctx context.Context, input ListQueueInput) (*ListQueueOutput, error) {
	// Apply limit defaults and bounds
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if limit > MaxQueueLimit {
		limit = MaxQueueLimit
	}

	// Ensure offset is non-negative
	offset := max(input.Offset, 0)

	items := []QueueItemSummary{}
	total := 0
	for item, err := range s.queue.Items(ctx) {
		if err != nil {
			return nil, err
		}
		if input.Status != nil && item.Status != *input.Status {
			continue
		}
		if total >= offset && len(items) < limit {
			items = append(items, summarizeItem(item))
		}
		total++
	}

	return &ListQueueOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "enqueued_asc",
	}, nil
}
