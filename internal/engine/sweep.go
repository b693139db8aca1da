package engine

import (
	"context"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// sweep uploads unsynced blobs whose parent record already exists remotely.
// Blobs without a remote parent are skipped; that is the normal state while
// their draft waits in the queue. Blobs whose draft has a pending CREATE that
// has not reached the backend are left to that item's media step, as are blobs
// that already failed earlier in this pass.
func (e *Engine) sweep(ctx context.Context, sum *Summary, drainErr error) {
	if errors.Is(drainErr, errors.ErrNetworkFailure) || ctx.Err() != nil {
		// The backend just failed; every upload would fail the same way.
		return
	}
	e.setState(StateSweeping)

	blobs, err := e.media.Unsynced(ctx)
	if err != nil {
		sum.addError("", "", err, 0)
		return
	}
	if len(blobs) == 0 {
		return
	}

	queued, err := e.draftsWithQueuedCreate(ctx)
	if err != nil {
		sum.addError("", "", err, 0)
		return
	}

	for _, b := range blobs {
		if queued[b.DraftID] || queued[mediaOwnerKey(b.ID)] || sum.mediaFailed(b.ID) {
			sum.MediaSkipped++
			continue
		}
		parentID, err := e.links.Get(ctx, b.DraftID)
		if err != nil {
			sum.addError("", b.ID, err, 0)
			return
		}
		if parentID == "" {
			sum.MediaSkipped++
			continue
		}
		if err := e.uploadBlob(ctx, parentID, b); err != nil {
			sum.MediaFailed++
			sum.addError("", b.ID, err, 0)
			if errors.Is(err, errors.ErrNetworkFailure) {
				return
			}
			continue
		}
		sum.MediaUploaded++
	}
}

func (e *Engine) draftsWithQueuedCreate(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	for item, err := range e.queue.Items(ctx) {
		if err != nil {
			return nil, err
		}
		if item.Status != queue.StatusPending {
			continue
		}
		if item.Type == queue.TypeCreate && item.TargetKind == queue.TargetSurvey && item.RemoteID == "" {
			out[item.DraftID] = true
		}
		if item.TargetKind == queue.TargetPhoto || item.TargetKind == queue.TargetAudio {
			// A queued media item owns that upload.
			out[mediaOwnerKey(item.MediaID)] = true
		}
	}
	return out, nil
}

func mediaOwnerKey(mediaID string) string {
	return "media:" + mediaID
}
