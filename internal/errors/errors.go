package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Fieldbook error code.
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"        // 400
	ErrNotFound             ErrorCode = "NOT_FOUND"              // 404
	ErrFileNotFound         ErrorCode = "FILE_NOT_FOUND"         // 404
	ErrConflict             ErrorCode = "CONFLICT"               // 409
	ErrRemoteRejected       ErrorCode = "REMOTE_REJECTED"        // 422 (definitive backend error)
	ErrMediaEncodingFailure ErrorCode = "MEDIA_ENCODING_FAILURE" // 422
	ErrDependencyPending    ErrorCode = "DEPENDENCY_PENDING"     // 424
	ErrCancelled            ErrorCode = "CANCELLED"              // 499
	ErrInternal             ErrorCode = "INTERNAL"               // 500
	ErrNetworkFailure       ErrorCode = "NETWORK_FAILURE"        // 503 (transient, retried)
	ErrStorageUnavailable   ErrorCode = "STORAGE_UNAVAILABLE"    // 507
)

// FieldbookError represents a structured error with code, status, and details.
type FieldbookError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// cause is the underlying error, if any. Not serialized.
	cause error
}

// Error implements the error interface.
func (e *FieldbookError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *FieldbookError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing local record.
func NewNotFound(kind, identifier string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewCancelled creates a 499 error when op was interrupted by its context.
func NewCancelled(op string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrCancelled,
		Status:  499,
		Message: op + " cancelled",
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewStorageUnavailable creates a 507 error when local persistence fails.
// The UI must surface it as "your data may not be saved".
func NewStorageUnavailable(op string, err error) *FieldbookError {
	msg := op
	if err != nil {
		msg = fmt.Sprintf("%s: %v", op, err)
	}
	return &FieldbookError{
		Code:    ErrStorageUnavailable,
		Status:  507,
		Message: msg,
		Details: map[string]any{"op": op},
		cause:   err,
	}
}

// NewNetworkFailure creates a 503 error for transient remote failures.
func NewNetworkFailure(err error) *FieldbookError {
	msg := "network failure"
	if err != nil {
		msg = err.Error()
	}
	return &FieldbookError{
		Code:    ErrNetworkFailure,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewRemoteRejected creates a 422 error when the backend definitively refuses a request.
func NewRemoteRejected(remoteStatus int, msg string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrRemoteRejected,
		Status:  422,
		Message: msg,
		Details: map[string]any{"remote_status": remoteStatus},
	}
}

// NewMediaEncodingFailure creates a 422 error when a thumbnail cannot be derived.
func NewMediaEncodingFailure(mediaID string, err error) *FieldbookError {
	msg := "thumbnail generation failed"
	if err != nil {
		msg = fmt.Sprintf("thumbnail generation failed: %v", err)
	}
	return &FieldbookError{
		Code:    ErrMediaEncodingFailure,
		Status:  422,
		Message: msg,
		Details: map[string]any{"media_id": mediaID},
		cause:   err,
	}
}

// NewDependencyPending creates a 424 error when a media upload has no remote parent yet.
func NewDependencyPending(draftID string) *FieldbookError {
	return &FieldbookError{
		Code:    ErrDependencyPending,
		Status:  424,
		Message: fmt.Sprintf("parent record for draft %s not created remotely yet", draftID),
		Details: map[string]any{"draft_id": draftID},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *FieldbookError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &FieldbookError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error is (or wraps) a FieldbookError with the given code.
func Is(err error, code ErrorCode) bool {
	var fbErr *FieldbookError
	if stderrors.As(err, &fbErr) {
		return fbErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var fbErr *FieldbookError
	if stderrors.As(err, &fbErr) {
		return fbErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the sync engine should retry after err.
// Definitive backend rejections and malformed local requests are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrRemoteRejected, ErrInvalidRequest:
		return false
	}
	return true
}

// RemoteStatus returns the backend HTTP status recorded on err, or 0.
func RemoteStatus(err error) int {
	var fbErr *FieldbookError
	if stderrors.As(err, &fbErr) {
		if status, ok := fbErr.Details["remote_status"].(int); ok {
			return status
		}
	}
	return 0
}
