package engine

import (
	"github.com/hpungsan/fieldbook/internal/errors"
)

// Summary reports the outcome of one pass.
type Summary struct {
	Trigger    Trigger `json:"trigger"`
	StartedAt  int64   `json:"started_at,omitempty"`  // unix ms
	FinishedAt int64   `json:"finished_at,omitempty"` // unix ms

	// Skipped is set when the trigger arrived during another pass.
	Skipped bool `json:"skipped,omitempty"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Exhausted int `json:"exhausted"`
	Rejected  int `json:"rejected"`

	MediaUploaded int `json:"media_uploaded"`
	MediaFailed   int `json:"media_failed"`
	MediaSkipped  int `json:"media_skipped"` // parent not created remotely yet

	// DraftCleared is set when a successful CREATE removed the local draft.
	DraftCleared bool `json:"draft_cleared,omitempty"`
	// DraftKept is set when a CREATE succeeded but the draft had newer edits.
	DraftKept bool `json:"draft_kept,omitempty"`

	// NextRetryInMs is the scheduled re-drain delay, if any.
	NextRetryInMs int64 `json:"next_retry_in_ms,omitempty"`

	Errors []ItemError `json:"errors,omitempty"`
}

// ItemError records one failure inside a pass.
type ItemError struct {
	ItemID     string `json:"item_id,omitempty"`
	MediaID    string `json:"media_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// Failed returns the number of items that did not succeed in this pass.
func (s *Summary) Failed() int {
	return s.Retrying + s.Exhausted + s.Rejected
}

// mediaFailed reports whether an upload of mediaID already failed in this pass.
func (s *Summary) mediaFailed(mediaID string) bool {
	for _, e := range s.Errors {
		if e.MediaID == mediaID {
			return true
		}
	}
	return false
}

func (s *Summary) addError(itemID, mediaID string, err error, retryCount int) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.Errors = append(s.Errors, ItemError{
		ItemID:     itemID,
		MediaID:    mediaID,
		Code:       string(errors.CodeOf(err)),
		Message:    msg,
		RetryCount: retryCount,
	})
}
