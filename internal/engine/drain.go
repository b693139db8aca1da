package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
	"github.com/hpungsan/fieldbook/internal/remote"
)

// createStep is a position in the survey CREATE transition chain.
// A CREATE item always walks the chain in this order, so media can only be
// uploaded after the remote record exists and the draft is only cleared after
// every blob made it.
type createStep int

const (
	stepCreate createStep = iota
	stepLinkMedia
	stepClearDraft
	stepRemove
	stepDone
)

// drain processes pending items in enqueue order. It returns the error that
// stopped the drain early, or nil when the queue ran dry.
func (e *Engine) drain(ctx context.Context, sum *Summary) error {
	e.setState(StateDraining)
	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Re-read the queue every step so items enqueued during the pass are drained too.
		item, err := e.nextPending(ctx, seen)
		if err != nil {
			sum.addError("", "", err, 0)
			return err
		}
		if item == nil {
			return nil
		}
		seen[item.ID] = true

		sum.Attempted++
		e.setState(StateDispatching)
		err = e.dispatch(ctx, item, sum)
		e.setState(StateDraining)
		if err == nil {
			sum.Succeeded++
			continue
		}

		if stop := e.fail(ctx, item, err, sum); stop {
			return err
		}
	}
}

// nextPending returns the oldest pending item not handled in this pass.
func (e *Engine) nextPending(ctx context.Context, seen map[string]bool) (*queue.Item, error) {
	for item, err := range e.queue.Items(ctx) {
		if err != nil {
			return nil, err
		}
		if item.Status == queue.StatusFailed || seen[item.ID] {
			continue
		}
		return item, nil
	}
	return nil, nil
}

func (e *Engine) dispatch(ctx context.Context, item *queue.Item, sum *Summary) error {
	log := e.logger.WithFields(logrus.Fields{
		"item":   item.ID,
		"type":   item.Type,
		"target": item.TargetKind,
	})
	log.Debug("dispatching")

	switch item.TargetKind {
	case queue.TargetSurvey:
		switch item.Type {
		case queue.TypeCreate:
			return e.createSurvey(ctx, item, sum, log)
		case queue.TypeUpdate:
			return e.updateSurvey(ctx, item, sum)
		case queue.TypeDelete:
			return e.deleteSurvey(ctx, item)
		}
	case queue.TargetPhoto, queue.TargetAudio:
		return e.uploadMediaItem(ctx, item, sum)
	}
	return errors.NewInvalidRequest(fmt.Sprintf("unsupported queue item %s/%s", item.Type, item.TargetKind))
}

// createSurvey walks the CREATE chain. A retry resumes from the first step
// whose effect is not yet persisted.
func (e *Engine) createSurvey(ctx context.Context, item *queue.Item, sum *Summary, log logrus.FieldLogger) error {
	remoteID := item.RemoteID
	step := stepCreate
	if remoteID != "" {
		step = stepLinkMedia
	}

	for step != stepDone {
		switch step {
		case stepCreate:
			id, err := e.backend.CreateRecord(ctx, item.Payload, item.ID)
			if err != nil {
				return err
			}
			remoteID = id
			// Persist before anything else so a retry never creates the record twice.
			if _, err := e.queue.Update(ctx, item.ID, queue.Patch{RemoteID: &remoteID}); err != nil {
				return err
			}
			log.WithField("remote_id", remoteID).Info("record created")
			step = stepLinkMedia

		case stepLinkMedia:
			e.setState(StateLinkingMedia)
			if err := e.links.Set(ctx, item.DraftID, remoteID); err != nil {
				return err
			}
			blobs, err := e.media.ForDraft(ctx, item.DraftID)
			if err != nil {
				return err
			}
			for _, b := range blobs {
				if b.IsUploaded {
					continue
				}
				if err := e.uploadBlob(ctx, remoteID, b); err != nil {
					sum.MediaFailed++
					if errors.Retryable(err) {
						return err
					}
					// The backend refuses this blob for good. It stays unsynced
					// for the sweep; its siblings and the draft carry on.
					sum.addError(item.ID, b.ID, err, item.RetryCount)
					log.WithError(err).WithField("media", b.ID).Warn("media rejected")
					continue
				}
				sum.MediaUploaded++
			}
			step = stepClearDraft

		case stepClearDraft:
			e.setState(StateClearing)
			cleared, err := e.clearDraft(ctx, item)
			if err != nil {
				return err
			}
			if cleared {
				sum.DraftCleared = true
			} else {
				sum.DraftKept = true
				log.Info("draft changed since submit, keeping it")
			}
			step = stepRemove

		case stepRemove:
			if err := e.queue.Remove(ctx, item.ID); err != nil {
				return err
			}
			step = stepDone
		}
	}
	return nil
}

// clearDraft clears the draft only when it is the draft this item was
// submitted from and it has not been edited since.
func (e *Engine) clearDraft(ctx context.Context, item *queue.Item) (bool, error) {
	d, err := e.drafts.Get(ctx)
	if err != nil || d == nil {
		return false, err
	}
	if d.ID != item.DraftID {
		return false, nil
	}
	return e.drafts.ClearIfUnchanged(ctx, item.ExpectedLastModified)
}

// resolveRecordID returns the remote id an UPDATE or DELETE targets.
func (e *Engine) resolveRecordID(ctx context.Context, item *queue.Item) (string, error) {
	if item.RecordID != "" {
		return item.RecordID, nil
	}
	return e.links.Get(ctx, item.DraftID)
}

func (e *Engine) updateSurvey(ctx context.Context, item *queue.Item, sum *Summary) error {
	id, err := e.resolveRecordID(ctx, item)
	if err != nil {
		return err
	}
	if id == "" {
		return errors.NewDependencyPending(item.DraftID)
	}
	if _, err := e.backend.UpdateRecord(ctx, id, item.Payload); err != nil {
		return err
	}
	// A resubmitted draft is cleared the same way a created one is.
	if item.DraftID != "" && item.ExpectedLastModified > 0 {
		e.setState(StateClearing)
		cleared, err := e.clearDraft(ctx, item)
		if err != nil {
			return err
		}
		if cleared {
			sum.DraftCleared = true
		}
	}
	return e.queue.Remove(ctx, item.ID)
}

func (e *Engine) deleteSurvey(ctx context.Context, item *queue.Item) error {
	id, err := e.resolveRecordID(ctx, item)
	if err != nil {
		return err
	}
	if id == "" {
		create, err := e.queue.FindCreateForDraft(ctx, item.DraftID)
		if err != nil {
			return err
		}
		if create != nil {
			return errors.NewDependencyPending(item.DraftID)
		}
		// Never created remotely: nothing to delete.
		return e.queue.Remove(ctx, item.ID)
	}
	if err := e.backend.DeleteRecord(ctx, id); err != nil {
		return err
	}
	if item.DraftID != "" {
		if err := e.links.Delete(ctx, item.DraftID); err != nil {
			return err
		}
	}
	return e.queue.Remove(ctx, item.ID)
}

// uploadMediaItem handles a queued photo or audio upload.
func (e *Engine) uploadMediaItem(ctx context.Context, item *queue.Item, sum *Summary) error {
	b, err := e.media.Get(ctx, item.MediaID)
	if errors.Is(err, errors.ErrNotFound) {
		// Purged by the user: nothing left to upload.
		return e.queue.Remove(ctx, item.ID)
	}
	if err != nil {
		return err
	}
	if !b.IsUploaded {
		parentID := item.RemoteID
		if parentID == "" {
			draftID := item.DraftID
			if draftID == "" {
				draftID = b.DraftID
			}
			if parentID, err = e.links.Get(ctx, draftID); err != nil {
				return err
			}
			if parentID == "" {
				return errors.NewDependencyPending(draftID)
			}
		}
		if err := e.uploadBlob(ctx, parentID, b); err != nil {
			sum.MediaFailed++
			return err
		}
		sum.MediaUploaded++
	}
	return e.queue.Remove(ctx, item.ID)
}

// uploadBlob sends b and marks it uploaded. The blob's own id is the
// idempotency key, so a retried upload is never duplicated.
func (e *Engine) uploadBlob(ctx context.Context, parentID string, b *media.Blob) error {
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return errors.NewInternal(err)
	}
	mediaID, err := e.backend.UploadMedia(ctx, parentID, remote.MediaUpload{
		LocalID:     b.ID,
		Kind:        string(b.Kind),
		Filename:    b.Metadata.Filename,
		ContentType: b.Metadata.ContentType,
		Section:     b.Section,
		Field:       b.Field,
		Metadata:    meta,
		Payload:     b.Payload,
	})
	if err != nil {
		return err
	}
	_, err = e.media.MarkUploaded(ctx, b.ID, mediaID)
	return err
}

// fail records a failed dispatch on the item. It returns true when the drain
// must stop to preserve FIFO order.
func (e *Engine) fail(ctx context.Context, item *queue.Item, cause error, sum *Summary) bool {
	code := string(errors.CodeOf(cause))
	msg := cause.Error()
	failed := queue.StatusFailed
	log := e.logger.WithFields(logrus.Fields{"item": item.ID, "code": code})

	if !errors.Retryable(cause) {
		sum.Rejected++
		sum.addError(item.ID, item.MediaID, cause, item.RetryCount)
		log.WithError(cause).Warn("item rejected, not retrying")
		if _, err := e.queue.Update(ctx, item.ID, queue.Patch{Status: &failed, LastError: &msg, LastErrorCode: &code}); err != nil {
			sum.addError(item.ID, "", err, item.RetryCount)
			return true
		}
		return false
	}

	retries := item.RetryCount + 1
	sum.addError(item.ID, item.MediaID, cause, retries)
	if retries >= item.MaxRetries {
		sum.Exhausted++
		log.WithError(cause).Warn("item exhausted its retries")
		if _, err := e.queue.Update(ctx, item.ID, queue.Patch{RetryCount: &retries, Status: &failed, LastError: &msg, LastErrorCode: &code}); err != nil {
			sum.addError(item.ID, "", err, retries)
			return true
		}
		return false
	}

	e.setState(StateRetrying)
	sum.Retrying++
	delay := Backoff(e.base, retries)
	next := e.now().Add(delay).UnixMilli()
	if _, err := e.queue.Update(ctx, item.ID, queue.Patch{RetryCount: &retries, LastError: &msg, LastErrorCode: &code, NextAttemptAt: &next}); err != nil {
		sum.addError(item.ID, "", err, retries)
	}
	sum.NextRetryInMs = delay.Milliseconds()
	log.WithError(cause).WithField("retry_in", delay).Info("item will be retried")
	e.scheduleRetry(delay)
	return true
}
