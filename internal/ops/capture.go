package ops

import (
	"context"
	"time"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// CaptureInput contains parameters for the CaptureMedia operation.
type CaptureInput struct {
	Kind        media.Kind // optional, inferred from the content type
	Payload     []byte     // required
	Filename    string
	ContentType string
	Section     string // required
	Field       string // required
	Geo         *media.GeoPoint
	CapturedAt  time.Time
}

// CaptureOutput contains the result of the CaptureMedia operation.
type CaptureOutput struct {
	ID           string     `json:"id"`
	Kind         media.Kind `json:"kind"`
	DraftID      string     `json:"draft_id"`
	HasThumbnail bool       `json:"has_thumbnail"`

	// QueueItemID is set when the draft already exists remotely and the blob
	// was queued for its own upload.
	QueueItemID string `json:"queue_item_id,omitempty"`

	// Warning carries a non-fatal problem, such as a thumbnail that could not be derived.
	Warning     string `json:"warning,omitempty"`
	WarningCode string `json:"warning_code,omitempty"`
}

// CaptureMedia stores a photo or audio clip for the current draft.
//
// Media of a draft that has not been created remotely yet is uploaded by the
// draft's CREATE. Once the record exists, each new capture is queued on its own.
func (s *Service) CaptureMedia(ctx context.Context, input CaptureInput) (*CaptureOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.drafts.LoadSession(ctx)
	if err != nil {
		return nil, err
	}

	saved, err := s.media.Save(ctx, sess, media.SaveInput{
		Kind:        input.Kind,
		Payload:     input.Payload,
		Filename:    input.Filename,
		ContentType: input.ContentType,
		Section:     input.Section,
		Field:       input.Field,
		Geo:         input.Geo,
		CapturedAt:  input.CapturedAt,
	})
	if err != nil {
		return nil, err
	}

	out := &CaptureOutput{
		ID:           saved.ID,
		Kind:         saved.Kind,
		DraftID:      saved.DraftID,
		HasThumbnail: saved.HasThumbnail,
	}
	if saved.Warning != nil {
		out.Warning = saved.Warning.Message
		out.WarningCode = string(saved.Warning.Code)
		s.logger.WithField("media", saved.ID).Warn(saved.Warning.Message)
	}

	remoteID, err := s.links.Get(ctx, sess.DraftID)
	if err != nil {
		return nil, err
	}
	if remoteID == "" {
		return out, nil
	}

	target := queue.TargetPhoto
	if saved.Kind == media.KindAudio {
		target = queue.TargetAudio
	}
	itemID, err := s.queue.Enqueue(ctx, queue.Item{
		Type:       queue.TypeCreate,
		TargetKind: target,
		DraftID:    sess.DraftID,
		MediaID:    saved.ID,
		RemoteID:   remoteID,
	})
	if err != nil {
		return nil, err
	}
	out.QueueItemID = itemID
	return out, nil
}

// Thumbnail returns the JPEG preview derived from a captured photo.
func (s *Service) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	b, err := s.media.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(b.Thumbnail) == 0 {
		return nil, errors.NewNotFound("thumbnail", id)
	}
	return b.Thumbnail, nil
}
