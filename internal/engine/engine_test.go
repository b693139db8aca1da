package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
	"github.com/hpungsan/fieldbook/internal/remote"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: time.Second},
		{retry: 1, want: 2 * time.Second},
		{retry: 3, want: 8 * time.Second},
		{retry: -1, want: time.Second},
		{retry: 100, want: time.Second << maxBackoffShift},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.retry); got != tt.want {
			t.Errorf("Backoff(1s, %d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestCreate_LinksMediaThenClearsDraft(t *testing.T) {
	h := newHarness(t, 5)
	sess, d := h.saveDraft(`{"site":"north"}`)
	photo := h.capture(sess, media.KindPhoto)
	audio := h.capture(sess, media.KindAudio)
	itemID := h.enqueueCreate(d)

	sum := h.engine.Sync(h.ctx, TriggerManual)

	require.Equal(t, 1, sum.Attempted)
	require.Equal(t, 1, sum.Succeeded)
	require.Equal(t, 2, sum.MediaUploaded)
	require.True(t, sum.DraftCleared)
	require.Empty(t, sum.Errors)
	require.Equal(t, []string{
		"create:srv-1",
		"upload:srv-1:" + photo,
		"upload:srv-1:" + audio,
	}, h.backend.Calls())

	require.Empty(t, h.items())
	_, err := h.queue.Get(h.ctx, itemID)
	require.True(t, errors.Is(err, errors.ErrNotFound))

	snap, found, err := h.drafts.LoadSnapshot(h.ctx)
	require.NoError(t, err)
	require.False(t, found, "draft should be cleared, got %s", snap)

	remoteID, err := h.links.Get(h.ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "srv-1", remoteID)

	blob, err := h.media.Get(h.ctx, photo)
	require.NoError(t, err)
	require.True(t, blob.IsUploaded)
	require.Equal(t, "m-"+photo, blob.RemoteMediaID)
}

// Enqueue CREATE at T0, edit to T1 while the sync is in flight: the record is
// created but the newer draft stays.
func TestGuardedClear_EditDuringSync(t *testing.T) {
	h := newHarness(t, 5)
	sess, t0 := h.saveDraft(`{"v":0}`)
	h.enqueueCreate(t0)

	var t1 int64
	h.backend.onCreate = func() {
		d, err := h.drafts.SaveSnapshot(h.ctx, sess, json.RawMessage(`{"v":1}`))
		require.NoError(t, err)
		t1 = d.LastModified
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)

	require.Equal(t, 1, sum.Succeeded)
	require.False(t, sum.DraftCleared)
	require.True(t, sum.DraftKept)
	require.Empty(t, h.items(), "item is removed once the remote create succeeded")

	d, err := h.drafts.Get(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, t1, d.LastModified)
	require.Greater(t, t1, t0.LastModified)
	require.JSONEq(t, `{"v":1}`, string(d.FormSnapshot))

	cleared, err := h.drafts.ClearIfUnchanged(h.ctx, t0.LastModified)
	require.NoError(t, err)
	require.False(t, cleared)
}

func TestRetry_StopsDrainAndBacksOff(t *testing.T) {
	h := newHarness(t, 5)
	_, d1 := h.saveDraft(`{"n":1}`)
	first := h.enqueueCreate(d1)
	second, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type: queue.TypeUpdate, TargetKind: queue.TargetSurvey, RecordID: "srv-old", Payload: json.RawMessage(`{"n":2}`),
	})
	require.NoError(t, err)

	h.backend.createErr = func(n int, _ json.RawMessage) error {
		if n == 1 {
			return errors.NewNetworkFailure(nil)
		}
		return nil
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Attempted, "later items wait behind the failing one")
	require.Equal(t, 1, sum.Retrying)
	require.Equal(t, int64(2000), sum.NextRetryInMs)
	require.Equal(t, []time.Duration{2 * time.Second}, h.clock.Pending())
	require.False(t, h.engine.NextRetryAt().IsZero())

	item, err := h.queue.Get(h.ctx, first)
	require.NoError(t, err)
	require.Equal(t, 1, item.RetryCount)
	require.Equal(t, queue.StatusPending, item.Status)
	require.Equal(t, string(errors.ErrNetworkFailure), item.LastErrorCode)

	// Not yet due
	h.clock.Advance(time.Second)
	require.Len(t, h.items(), 2)

	h.clock.Advance(time.Second)
	require.Empty(t, h.items())
	last := h.engine.LastSummary()
	require.Equal(t, TriggerBackoff, last.Trigger)
	require.Equal(t, 2, last.Succeeded)

	calls := h.backend.Calls()
	require.Equal(t, []string{"create-failed:" + first, "create:srv-1", "update:srv-old"}, calls)
	_, err = h.queue.Get(h.ctx, second)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRetryCeiling_ItemStaysFailed(t *testing.T) {
	h := newHarness(t, 3)
	_, d1 := h.saveDraft(`{"n":1}`)
	poison := h.enqueueCreate(d1)
	h.backend.createErr = func(int, json.RawMessage) error { return errors.NewNetworkFailure(nil) }

	h.engine.Sync(h.ctx, TriggerManual)
	h.clock.Advance(time.Hour)

	item, err := h.queue.Get(h.ctx, poison)
	require.NoError(t, err)
	require.Equal(t, 3, item.RetryCount)
	require.Equal(t, item.MaxRetries, item.RetryCount)
	require.Equal(t, queue.StatusFailed, item.Status)
	require.True(t, item.Exhausted())
	require.Len(t, h.items(), 1, "exhausted items are still listed")
	require.Empty(t, h.clock.Pending())

	attempts := len(h.backend.Calls())
	require.Equal(t, 3, attempts)

	// Excluded from automatic drains
	sum := h.engine.Sync(h.ctx, TriggerOnline)
	require.Equal(t, 0, sum.Attempted)
	require.Len(t, h.backend.Calls(), attempts)
}

func TestExhaustedItemDoesNotBlockQueue(t *testing.T) {
	h := newHarness(t, 1)
	_, d1 := h.saveDraft(`{"n":1}`)
	poison := h.enqueueCreate(d1)
	_, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type: queue.TypeUpdate, TargetKind: queue.TargetSurvey, RecordID: "srv-9", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	h.backend.createErr = func(int, json.RawMessage) error { return errors.NewNetworkFailure(nil) }

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 2, sum.Attempted)
	require.Equal(t, 1, sum.Exhausted)
	require.Equal(t, 1, sum.Succeeded)

	items := h.items()
	require.Len(t, items, 1)
	require.Equal(t, poison, items[0].ID)
}

func TestRejected_NotRetried(t *testing.T) {
	h := newHarness(t, 5)
	_, d1 := h.saveDraft(`{"bad":true}`)
	rejected := h.enqueueCreate(d1)
	_, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type: queue.TypeUpdate, TargetKind: queue.TargetSurvey, RecordID: "srv-9", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	h.backend.createErr = func(int, json.RawMessage) error {
		return errors.NewRemoteRejected(422, "site is required")
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Rejected)
	require.Equal(t, 1, sum.Succeeded)
	require.Empty(t, h.clock.Pending(), "rejections never schedule a retry")
	require.Len(t, sum.Errors, 1)
	require.Equal(t, string(errors.ErrRemoteRejected), sum.Errors[0].Code)

	item, err := h.queue.Get(h.ctx, rejected)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, item.Status)
	require.Equal(t, 0, item.RetryCount)
	require.Contains(t, item.LastError, "site is required")

	// The draft is untouched so the user can fix it
	_, found, err := h.drafts.LoadSnapshot(h.ctx)
	require.NoError(t, err)
	require.True(t, found)
}

func TestDependencyOrdering_NoUploadBeforeCreate(t *testing.T) {
	h := newHarness(t, 5)
	sess, d := h.saveDraft(`{"n":1}`)
	h.capture(sess, media.KindPhoto)
	h.capture(sess, media.KindAudio)

	// Nothing queued yet: media is orphaned and skipped
	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 2, sum.MediaSkipped)
	require.Empty(t, h.backend.Calls())

	h.enqueueCreate(d)
	h.backend.createErr = func(n int, _ json.RawMessage) error {
		if n <= 2 {
			return errors.NewNetworkFailure(nil)
		}
		return nil
	}
	h.engine.Sync(h.ctx, TriggerManual)
	h.clock.Advance(time.Minute)

	created := map[string]bool{}
	for _, call := range h.backend.Calls() {
		switch {
		case strings.HasPrefix(call, "create:"):
			created[strings.TrimPrefix(call, "create:")] = true
		case strings.HasPrefix(call, "upload:"):
			parent := strings.Split(call, ":")[1]
			require.True(t, created[parent], "upload %s before its parent was created", call)
		}
	}
	require.Empty(t, h.items())
	unsynced, err := h.media.Unsynced(h.ctx)
	require.NoError(t, err)
	require.Empty(t, unsynced)
}

func TestMediaSurvivesDraftRotation(t *testing.T) {
	h := newHarness(t, 5)
	sess, d1 := h.saveDraft(`{"n":1}`)
	blobID := h.capture(sess, media.KindPhoto)
	h.enqueueCreate(d1)

	// Out-of-order completion: the draft is gone and a new survey started
	require.NoError(t, h.drafts.Clear(h.ctx))
	_, err := h.drafts.Rotate(h.ctx)
	require.NoError(t, err)

	blobs, err := h.media.ForDraft(h.ctx, d1.ID)
	require.NoError(t, err)
	require.Len(t, blobs, 1)

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Succeeded)
	require.Equal(t, 1, sum.MediaUploaded)
	require.False(t, sum.DraftCleared)
	require.Contains(t, h.backend.Calls(), "upload:srv-1:"+blobID)

	blobs, err = h.media.ForDraft(h.ctx, d1.ID)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	require.True(t, blobs[0].IsUploaded)
}

func TestUploadFailure_ResumesWithoutRecreating(t *testing.T) {
	h := newHarness(t, 5)
	sess, d := h.saveDraft(`{"n":1}`)
	photo := h.capture(sess, media.KindPhoto)
	audio := h.capture(sess, media.KindAudio)
	itemID := h.enqueueCreate(d)

	h.backend.uploadErr = func(n int, u remote.MediaUpload) error {
		if u.LocalID == audio && n == 2 {
			return errors.NewNetworkFailure(nil)
		}
		return nil
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Retrying)
	require.Equal(t, 1, sum.MediaUploaded)
	require.Equal(t, 1, sum.MediaFailed)

	item, err := h.queue.Get(h.ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, "srv-1", item.RemoteID, "remote id persisted before media upload")

	// Draft is not cleared until every blob made it
	_, found, err := h.drafts.LoadSnapshot(h.ctx)
	require.NoError(t, err)
	require.True(t, found)

	h.clock.Advance(2 * time.Second)
	require.Empty(t, h.items())

	calls := h.backend.Calls()
	creates := 0
	photoUploads := 0
	for _, c := range calls {
		if strings.HasPrefix(c, "create") {
			creates++
		}
		if c == "upload:srv-1:"+photo {
			photoUploads++
		}
	}
	require.Equal(t, 1, creates, "record created exactly once")
	require.Equal(t, 1, photoUploads, "uploaded blob is not sent again")
}

func TestCreate_RejectedBlobDoesNotBlockSiblings(t *testing.T) {
	h := newHarness(t, 5)
	sess, d := h.saveDraft(`{"n":1}`)
	photo := h.capture(sess, media.KindPhoto)
	audio := h.capture(sess, media.KindAudio)
	itemID := h.enqueueCreate(d)

	h.backend.uploadErr = func(_ int, u remote.MediaUpload) error {
		if u.LocalID == photo {
			return errors.NewRemoteRejected(415, "unsupported media type")
		}
		return nil
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Succeeded)
	require.Zero(t, sum.Rejected, "the record itself was accepted")
	require.Equal(t, 1, sum.MediaUploaded)
	require.Equal(t, 1, sum.MediaFailed)
	require.True(t, sum.DraftCleared)
	require.Len(t, sum.Errors, 1)
	require.Equal(t, photo, sum.Errors[0].MediaID)
	require.Equal(t, string(errors.ErrRemoteRejected), sum.Errors[0].Code)
	require.Equal(t, []string{
		"create:srv-1",
		"upload-failed:srv-1:" + photo,
		"upload:srv-1:" + audio,
	}, h.backend.Calls(), "the sweep does not resend a blob rejected in the same pass")

	_, err := h.queue.Get(h.ctx, itemID)
	require.True(t, errors.Is(err, errors.ErrNotFound))
	require.Empty(t, h.clock.Pending())

	unsynced, err := h.media.Unsynced(h.ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Equal(t, photo, unsynced[0].ID)

	// Once the backend accepts it, the sweep delivers the leftover blob
	h.backend.uploadErr = nil
	sum = h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.MediaUploaded)
	require.Contains(t, h.backend.Calls(), "upload:srv-1:"+photo)
}

func TestExhaustedCreate_SweepStillUploadsMedia(t *testing.T) {
	h := newHarness(t, 1)
	sess, d := h.saveDraft(`{"n":1}`)
	photo := h.capture(sess, media.KindPhoto)
	audio := h.capture(sess, media.KindAudio)
	itemID := h.enqueueCreate(d)

	h.backend.uploadErr = func(n int, _ remote.MediaUpload) error {
		if n == 1 {
			return errors.NewNetworkFailure(nil)
		}
		return nil
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Exhausted)
	require.Equal(t, 2, sum.MediaUploaded, "a failed CREATE with a remote record does not hold back its media")

	item, err := h.queue.Get(h.ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, item.Status)
	require.Equal(t, "srv-1", item.RemoteID)

	calls := h.backend.Calls()
	require.Contains(t, calls, "upload:srv-1:"+photo)
	require.Contains(t, calls, "upload:srv-1:"+audio)

	// Retry-all resumes after the create and finishes the chain
	n, err := h.queue.ResetFailed(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	sum = h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Succeeded)
	require.True(t, sum.DraftCleared)
	require.Empty(t, h.items())
	require.Len(t, h.backend.Calls(), len(calls), "nothing is sent twice")
}

func TestIdempotentMarking_NoDuplicateUploads(t *testing.T) {
	h := newHarness(t, 5)
	sess, d := h.saveDraft(`{"n":1}`)
	blobID := h.capture(sess, media.KindAudio)
	h.enqueueCreate(d)

	h.engine.Sync(h.ctx, TriggerManual)
	changed, err := h.media.MarkUploaded(h.ctx, blobID, "other")
	require.NoError(t, err)
	require.False(t, changed)

	before := len(h.backend.Calls())
	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Zero(t, sum.MediaUploaded)
	require.Len(t, h.backend.Calls(), before)
}

func TestSweep_UploadsOrphansOfLinkedDrafts(t *testing.T) {
	h := newHarness(t, 5)
	sess, _ := h.saveDraft(`{"n":1}`)
	require.NoError(t, h.links.Set(h.ctx, sess.DraftID, "srv-42"))
	blobID := h.capture(sess, media.KindPhoto)

	next, err := h.drafts.Rotate(h.ctx)
	require.NoError(t, err)
	h.capture(next, media.KindAudio)

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.MediaUploaded)
	require.Equal(t, 1, sum.MediaSkipped)
	require.Equal(t, []string{"upload:srv-42:" + blobID}, h.backend.Calls())
}

func TestMediaItem_WaitsForParent(t *testing.T) {
	h := newHarness(t, 5)
	sess, _ := h.saveDraft(`{"n":1}`)
	blobID := h.capture(sess, media.KindPhoto)
	itemID, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type: queue.TypeCreate, TargetKind: queue.TargetPhoto, MediaID: blobID, DraftID: sess.DraftID,
	})
	require.NoError(t, err)

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Retrying)
	require.Equal(t, string(errors.ErrDependencyPending), sum.Errors[0].Code)
	require.Zero(t, sum.MediaUploaded, "queued media is not swept")
	require.Empty(t, h.backend.Calls())

	require.NoError(t, h.links.Set(h.ctx, sess.DraftID, "srv-7"))
	h.clock.Advance(2 * time.Second)

	require.Equal(t, []string{"upload:srv-7:" + blobID}, h.backend.Calls())
	_, err = h.queue.Get(h.ctx, itemID)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMediaItem_PurgedBlobIsDropped(t *testing.T) {
	h := newHarness(t, 5)
	sess, _ := h.saveDraft(`{"n":1}`)
	blobID := h.capture(sess, media.KindAudio)
	_, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type: queue.TypeCreate, TargetKind: queue.TargetAudio, MediaID: blobID,
	})
	require.NoError(t, err)
	require.NoError(t, h.media.Purge(h.ctx, blobID))

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Succeeded)
	require.Empty(t, h.items())
}

func TestUpdateAndDelete(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.links.Set(h.ctx, "D1", "srv-1"))

	_, err := h.queue.Enqueue(h.ctx, queue.Item{
		Type: queue.TypeUpdate, TargetKind: queue.TargetSurvey, DraftID: "D1", Payload: json.RawMessage(`{"v":2}`),
	})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(h.ctx, queue.Item{Type: queue.TypeDelete, TargetKind: queue.TargetSurvey, DraftID: "D1"})
	require.NoError(t, err)
	// Never created remotely: dropped without a call
	_, err = h.queue.Enqueue(h.ctx, queue.Item{Type: queue.TypeDelete, TargetKind: queue.TargetSurvey, DraftID: "D2"})
	require.NoError(t, err)

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 3, sum.Succeeded)
	require.Equal(t, []string{"update:srv-1", "delete:srv-1"}, h.backend.Calls())

	remoteID, err := h.links.Get(h.ctx, "D1")
	require.NoError(t, err)
	require.Empty(t, remoteID)
}

func TestResumeAfterCrashBetweenCreateAndRemove(t *testing.T) {
	h := newHarness(t, 5)
	sess, d := h.saveDraft(`{"n":1}`)
	h.capture(sess, media.KindAudio)
	itemID := h.enqueueCreate(d)

	// A previous process created the record and died before linking media
	remoteID := "srv-99"
	_, err := h.queue.Update(h.ctx, itemID, queue.Patch{RemoteID: &remoteID})
	require.NoError(t, err)

	sum := h.engine.Sync(h.ctx, TriggerStartup)
	require.Equal(t, 1, sum.Succeeded)
	calls := h.backend.Calls()
	require.Len(t, calls, 1)
	require.True(t, strings.HasPrefix(calls[0], "upload:srv-99:"))
	require.True(t, sum.DraftCleared)
}

func TestSingleFlight_SecondTriggerSkipped(t *testing.T) {
	h := newHarness(t, 5)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)

	h.backend.block = make(chan struct{})
	done := make(chan *Summary)
	go func() { done <- h.engine.Sync(h.ctx, TriggerManual) }()

	require.Eventually(t, h.engine.Syncing, 2*time.Second, time.Millisecond)
	skipped := h.engine.Sync(h.ctx, TriggerOnline)
	require.True(t, skipped.Skipped)
	require.Zero(t, skipped.Attempted)

	close(h.backend.block)
	sum := <-done
	require.False(t, sum.Skipped)
	require.Equal(t, 1, sum.Succeeded)
	require.False(t, h.engine.Syncing())
	require.Equal(t, StateIdle, h.engine.State())
}

func TestExclusive_HoldsOffPasses(t *testing.T) {
	h := newHarness(t, 5)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)

	err := h.engine.Exclusive(func() error {
		sum := h.engine.Sync(h.ctx, TriggerBackoff)
		require.True(t, sum.Skipped)

		nested := h.engine.Exclusive(func() error { return nil })
		require.True(t, errors.Is(nested, errors.ErrConflict))
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, h.backend.Calls())

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 1, sum.Succeeded, "passes run again once the section ends")

	want := errors.NewInternal(nil)
	require.Same(t, want, h.engine.Exclusive(func() error { return want }))
}

func TestExclusive_RefusedWhileSyncing(t *testing.T) {
	h := newHarness(t, 5)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)

	h.backend.block = make(chan struct{})
	done := make(chan *Summary)
	go func() { done <- h.engine.Sync(h.ctx, TriggerManual) }()
	require.Eventually(t, h.engine.Syncing, 2*time.Second, time.Millisecond)

	called := false
	err := h.engine.Exclusive(func() error {
		called = true
		return nil
	})
	require.True(t, errors.Is(err, errors.ErrConflict))
	require.False(t, called)

	close(h.backend.block)
	require.Equal(t, 1, (<-done).Succeeded)
	require.NoError(t, h.engine.Exclusive(func() error { return nil }))
}

func TestDrainPicksUpItemsEnqueuedDuringPass(t *testing.T) {
	h := newHarness(t, 5)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)

	h.backend.onCreate = func() {
		h.backend.onCreate = nil
		_, err := h.queue.Enqueue(h.ctx, queue.Item{
			Type: queue.TypeUpdate, TargetKind: queue.TargetSurvey, RecordID: "srv-1", Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	sum := h.engine.Sync(h.ctx, TriggerManual)
	require.Equal(t, 2, sum.Succeeded)
	require.Empty(t, h.items())
}

func TestOnlineEdgeTriggersDrain(t *testing.T) {
	h := newHarness(t, 5)
	h.monitor.SetOnline(false)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)

	h.engine.Start(context.Background())
	require.Len(t, h.items(), 1, "no drain while offline")

	h.monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := h.queue.PendingCount(h.ctx)
		return err == nil && n == 0 && !h.engine.Syncing()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffRedrainSkippedWhileOffline(t *testing.T) {
	h := newHarness(t, 5)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)
	h.backend.createErr = func(n int, _ json.RawMessage) error {
		if n == 1 {
			return errors.NewNetworkFailure(nil)
		}
		return nil
	}

	h.engine.Sync(h.ctx, TriggerManual)
	h.monitor.SetOnline(false)
	h.clock.Advance(time.Minute)

	require.Len(t, h.backend.Calls(), 1)
	require.Len(t, h.items(), 1)
}

func TestStopCancelsScheduledRetry(t *testing.T) {
	h := newHarness(t, 5)
	_, d := h.saveDraft(`{"n":1}`)
	h.enqueueCreate(d)
	h.backend.createErr = func(int, json.RawMessage) error { return errors.NewNetworkFailure(nil) }

	h.engine.Sync(h.ctx, TriggerManual)
	require.Len(t, h.clock.Pending(), 1)

	h.engine.Stop()
	require.Empty(t, h.clock.Pending())
	require.True(t, h.engine.NextRetryAt().IsZero())
}
