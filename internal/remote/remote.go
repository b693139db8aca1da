// Package remote talks to the survey backend.
//
// The backend's record schema is opaque here: payloads pass through as raw JSON.
// Every failure is classified into one of two error codes. NETWORK_FAILURE is
// transient and retried with backoff. REMOTE_REJECTED is a definitive answer
// from the backend and is never retried automatically.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
)

// Backend is the contract the sync engine needs from the remote service.
type Backend interface {
	// CreateRecord creates a record and returns its remote id. idempotencyKey
	// lets the backend collapse a retry whose first response was lost.
	CreateRecord(ctx context.Context, payload json.RawMessage, idempotencyKey string) (string, error)
	UpdateRecord(ctx context.Context, id string, payload json.RawMessage) (string, error)
	DeleteRecord(ctx context.Context, id string) error
	// UploadMedia attaches a media blob to the record parentID and returns the remote media id.
	UploadMedia(ctx context.Context, parentID string, upload MediaUpload) (string, error)
	Ping(ctx context.Context) error
}

// MediaUpload is one blob sent to the backend.
type MediaUpload struct {
	LocalID     string          // the blob's own id; also the upload idempotency key
	Kind        string          // photo or audio
	Filename    string
	ContentType string
	Section     string
	Field       string
	Metadata    json.RawMessage // capture metadata as JSON
	Payload     []byte
}

// Endpoint paths relative to the base URL.
const (
	PathHealth  = "/api/health"
	PathRecords = "/api/records"
)

// RecordPath returns the path of a single record.
func RecordPath(id string) string {
	return PathRecords + "/" + id
}

// MediaPath returns the media collection path of a record.
func MediaPath(parentID string) string {
	return RecordPath(parentID) + "/media"
}

// HeaderIdempotencyKey carries the client-generated key on create requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// Response bodies.
type (
	RecordResponse struct {
		ID string `json:"id"`
	}
	MediaResponse struct {
		MediaID string `json:"media_id"`
	}
	ErrorResponse struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// Transient reports whether an HTTP status should be retried.
// 5xx, 408 and 429 are transient; every other non-2xx status is a rejection.
func Transient(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
