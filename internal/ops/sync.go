package ops

import (
	"context"

	"github.com/hpungsan/fieldbook/internal/engine"
)

// PendingCount returns the number of queued items, failed ones included,
// for the "N pending" badge.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.queue.PendingCount(ctx)
}

// TriggerSync runs a pass now, regardless of what the connectivity monitor
// believes. A pass already in progress is reported as skipped.
func (s *Service) TriggerSync(ctx context.Context) (*engine.Summary, error) {
	if err := s.requireEngine(); err != nil {
		return nil, err
	}
	return s.engine.Sync(ctx, engine.TriggerManual), nil
}

// RetryOutput contains the result of the RetryFailed operation.
type RetryOutput struct {
	Reset int             `json:"reset"`
	Sync  *engine.Summary `json:"sync,omitempty"`
}

// RetryFailed gives every failed item a fresh retry budget and drains.
func (s *Service) RetryFailed(ctx context.Context) (*RetryOutput, error) {
	if err := s.requireEngine(); err != nil {
		return nil, err
	}
	n, err := s.queue.ResetFailed(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("reset", n).Info("failed items reset")
	return &RetryOutput{
		Reset: n,
		Sync:  s.engine.Sync(ctx, engine.TriggerManual),
	}, nil
}
