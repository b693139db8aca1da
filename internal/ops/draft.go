package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hpungsan/fieldbook/internal/draft"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// SaveDraftInput contains parameters for the SaveDraft operation.
type SaveDraftInput struct {
	Snapshot json.RawMessage // required, any JSON document
}

// SaveDraftOutput contains the result of the SaveDraft operation.
type SaveDraftOutput struct {
	DraftID      string `json:"draft_id"`
	CreatedAt    int64  `json:"created_at"`
	LastModified int64  `json:"last_modified"`
}

// SaveDraft persists the form snapshot as the single active draft.
// Called on every field change; a returned error means the edit was not saved.
func (s *Service) SaveDraft(ctx context.Context, input SaveDraftInput) (*SaveDraftOutput, error) {
	sess, err := s.drafts.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.drafts.SaveSnapshot(ctx, sess, input.Snapshot)
	if err != nil {
		return nil, err
	}
	return &SaveDraftOutput{
		DraftID:      d.ID,
		CreatedAt:    d.CreatedAt,
		LastModified: d.LastModified,
	}, nil
}

// MediaSummary describes a captured blob without its bytes.
type MediaSummary struct {
	ID            string     `json:"id"`
	Kind          media.Kind `json:"kind"`
	DraftID       string     `json:"draft_id"`
	Section       string     `json:"section"`
	Field         string     `json:"field"`
	Filename      string     `json:"filename,omitempty"`
	ContentType   string     `json:"content_type"`
	Size          int64      `json:"size"`
	CapturedAt    int64      `json:"captured_at"`
	HasThumbnail  bool       `json:"has_thumbnail"`
	IsUploaded    bool       `json:"is_uploaded"`
	RemoteMediaID string     `json:"remote_media_id,omitempty"`
}

func summarizeMedia(b *media.Blob) MediaSummary {
	return MediaSummary{
		ID:            b.ID,
		Kind:          b.Kind,
		DraftID:       b.DraftID,
		Section:       b.Section,
		Field:         b.Field,
		Filename:      b.Metadata.Filename,
		ContentType:   b.Metadata.ContentType,
		Size:          b.Metadata.Size,
		CapturedAt:    b.Metadata.CapturedAt,
		HasThumbnail:  len(b.Thumbnail) > 0,
		IsUploaded:    b.IsUploaded,
		RemoteMediaID: b.RemoteMediaID,
	}
}

// LoadDraftOutput contains the result of the LoadDraft operation.
type LoadDraftOutput struct {
	SessionDraftID string         `json:"session_draft_id"`
	Found          bool           `json:"found"`
	Draft          *draft.Draft   `json:"draft,omitempty"`
	Media          []MediaSummary `json:"media"`

	// RemoteID is set once the draft's record exists on the backend.
	RemoteID string `json:"remote_id,omitempty"`
}

// LoadDraft returns the persisted draft, if any, with the media captured for the
// current session. Used on app start to restore the form after a crash.
func (s *Service) LoadDraft(ctx context.Context) (*LoadDraftOutput, error) {
	sess, err := s.drafts.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.drafts.Get(ctx)
	if err != nil {
		return nil, err
	}

	blobs, err := s.media.ForDraft(ctx, sess.DraftID)
	if err != nil {
		return nil, err
	}
	summaries := make([]MediaSummary, 0, len(blobs))
	for _, b := range blobs {
		summaries = append(summaries, summarizeMedia(b))
	}

	remoteID, err := s.links.Get(ctx, sess.DraftID)
	if err != nil {
		return nil, err
	}

	return &LoadDraftOutput{
		SessionDraftID: sess.DraftID,
		Found:          d != nil,
		Draft:          d,
		Media:          summaries,
		RemoteID:       remoteID,
	}, nil
}

// ClearDraftOutput contains the result of the ClearDraft operation.
type ClearDraftOutput struct {
	Cleared bool   `json:"cleared"`
	DraftID string `json:"draft_id,omitempty"`
}

// ClearDraft discards the active draft. Queued submissions and captured media are kept.
func (s *Service) ClearDraft(ctx context.Context) (*ClearDraftOutput, error) {
	d, err := s.drafts.Get(ctx)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return &ClearDraftOutput{}, nil
	}
	if err := s.drafts.Clear(ctx); err != nil {
		return nil, err
	}
	return &ClearDraftOutput{Cleared: true, DraftID: d.ID}, nil
}

// NewSurveyInput contains parameters for the StartNewSurvey operation.
type NewSurveyInput struct {
	// Force rotates even if the current draft has edits that were never submitted.
	Force bool
}

// NewSurveyOutput contains the result of the StartNewSurvey operation.
type NewSurveyOutput struct {
	PreviousDraftID string `json:"previous_draft_id"`
	DraftID         string `json:"draft_id"`
}

// StartNewSurvey rotates the session so the next save starts a fresh draft.
// Media and queued items of the previous draft stay attached to its id.
func (s *Service) StartNewSurvey(ctx context.Context, input NewSurveyInput) (*NewSurveyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.drafts.LoadSession(ctx)
	if err != nil {
		return nil, err
	}

	if !input.Force {
		d, err := s.drafts.Get(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil && d.ID == sess.DraftID {
			submitted, err := s.submittedAt(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			if submitted < d.LastModified {
				return nil, errors.NewConflict(fmt.Sprintf(
					"draft %s has changes that were not submitted; submit it or pass force", d.ID))
			}
		}
	}

	next, err := s.drafts.Rotate(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("previous", sess.DraftID).WithField("draft", next.DraftID).Info("new survey started")
	return &NewSurveyOutput{PreviousDraftID: sess.DraftID, DraftID: next.DraftID}, nil
}

// submittedAt returns the newest draft stamp captured by a queued survey item
// for draftID, or 0 if nothing is queued.
func (s *Service) submittedAt(ctx context.Context, draftID string) (int64, error) {
	var latest int64
	for item, err := range s.queue.Items(ctx) {
		if err != nil {
			return 0, err
		}
		if item.TargetKind == queue.TargetSurvey && item.DraftID == draftID && item.ExpectedLastModified > latest {
			latest = item.ExpectedLastModified
		}
	}
	return latest, nil
}
