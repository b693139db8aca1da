package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/fieldbook/internal/errors"
)

// PurgeInput contains parameters for the Purge operation.
type PurgeInput struct {
	// Confirm must be true. Purging discards unsynced work.
	Confirm bool
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	QueueItems   int    `json:"queue_items"`
	Media        int    `json:"media"`
	Links        int    `json:"links"`
	DraftCleared bool   `json:"draft_cleared"`
	Message      string `json:"message"`
}

// Purge wipes the queue, all media, remote links, the draft and the session.
// It is the only operation that discards unsynced work.
func (s *Service) Purge(ctx context.Context, input PurgeInput) (*PurgeOutput, error) {
	if !input.Confirm {
		return nil, errors.NewInvalidRequest("purge discards unsynced work; confirm is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := &PurgeOutput{}
	if err := s.holdEngine(func() error { return s.wipe(ctx, out) }); err != nil {
		return nil, err
	}

	out.Message = formatPurgeMessage(out)
	s.logger.Warn(out.Message)
	return out, nil
}

func (s *Service) wipe(ctx context.Context, out *PurgeOutput) error {
	var err error
	if out.QueueItems, err = s.queue.Purge(ctx); err != nil {
		return err
	}
	if out.Media, err = s.media.PurgeAll(ctx); err != nil {
		return err
	}
	if out.Links, err = s.links.Purge(ctx); err != nil {
		return err
	}

	d, err := s.drafts.Get(ctx)
	if err != nil {
		return err
	}
	if d != nil {
		if err := s.drafts.Clear(ctx); err != nil {
			return err
		}
		out.DraftCleared = true
	}
	return s.drafts.ClearSession(ctx)
}

// formatPurgeMessage creates a human-readable message for the purge result.
func formatPurgeMessage(out *PurgeOutput) string {
	var parts []string
	if out.QueueItems > 0 {
		parts = append(parts, plural(out.QueueItems, "queued item", "queued items"))
	}
	if out.Media > 0 {
		parts = append(parts, plural(out.Media, "media file", "media files"))
	}
	if out.Links > 0 {
		parts = append(parts, plural(out.Links, "remote link", "remote links"))
	}
	if out.DraftCleared {
		parts = append(parts, "the draft")
	}

	if len(parts) == 0 {
		return "Nothing to purge"
	}
	return "Permanently deleted " + strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
