package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/ops"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	svc *ops.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *ops.Service) *Handlers {
	return &Handlers{svc: svc}
}

// Request types for each tool

// DraftSaveRequest represents the arguments for draft_save.
type DraftSaveRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

// MediaCaptureRequest represents the arguments for media_capture.
type MediaCaptureRequest struct {
	Data        []byte   `json:"data"` // base64 in the JSON arguments
	Section     string   `json:"section"`
	Field       string   `json:"field"`
	Filename    string   `json:"filename,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
	Accuracy    float64  `json:"accuracy,omitempty"`
	CapturedAt  int64    `json:"captured_at,omitempty"`
}

// SurveySubmitRequest represents the arguments for survey_submit.
type SurveySubmitRequest struct {
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// SurveyNewRequest represents the arguments for survey_new.
type SurveyNewRequest struct {
	Force bool `json:"force,omitempty"`
}

// SurveyUpdateRequest represents the arguments for survey_update.
type SurveyUpdateRequest struct {
	RecordID string          `json:"record_id,omitempty"`
	DraftID  string          `json:"draft_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// SurveyDeleteRequest represents the arguments for survey_delete.
type SurveyDeleteRequest struct {
	RecordID string `json:"record_id,omitempty"`
	DraftID  string `json:"draft_id,omitempty"`
}

// SyncQueueRequest represents the arguments for sync_queue.
type SyncQueueRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// StoreExportRequest represents the arguments for store_export.
type StoreExportRequest struct {
	Path string `json:"path,omitempty"`
}

// StoreImportRequest represents the arguments for store_import.
type StoreImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// StorePurgeRequest represents the arguments for store_purge.
type StorePurgeRequest struct {
	Confirm bool `json:"confirm"`
}

// pendingResult is the output of sync_pending.
type pendingResult struct {
	Pending int `json:"pending"`
}

// Handler implementations

// HandleDraftSave handles the draft_save tool call.
func (h *Handlers) HandleDraftSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DraftSaveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if len(input.Snapshot) == 0 {
		return errorResult(errors.NewInvalidRequest("snapshot is required")), nil
	}

	result, err := h.svc.SaveDraft(ctx, ops.SaveDraftInput{Snapshot: input.Snapshot})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleDraftLoad handles the draft_load tool call.
func (h *Handlers) HandleDraftLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.svc.LoadDraft(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleDraftClear handles the draft_clear tool call.
func (h *Handlers) HandleDraftClear(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.svc.ClearDraft(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleMediaCapture handles the media_capture tool call.
func (h *Handlers) HandleMediaCapture(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MediaCaptureRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if len(input.Data) == 0 {
		return errorResult(errors.NewInvalidRequest("data is required")), nil
	}
	if (input.Lat == nil) != (input.Lng == nil) {
		return errorResult(errors.NewInvalidRequest("lat and lng must be given together")), nil
	}

	capture := ops.CaptureInput{
		Kind:        media.Kind(input.Kind),
		Payload:     input.Data,
		Filename:    input.Filename,
		ContentType: input.ContentType,
		Section:     input.Section,
		Field:       input.Field,
	}
	if input.Lat != nil {
		capture.Geo = &media.GeoPoint{Lat: *input.Lat, Lng: *input.Lng, Accuracy: input.Accuracy}
	}
	if input.CapturedAt > 0 {
		capture.CapturedAt = time.UnixMilli(input.CapturedAt)
	}

	result, err := h.svc.CaptureMedia(ctx, capture)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSurveySubmit handles the survey_submit tool call.
func (h *Handlers) HandleSurveySubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SurveySubmitRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Submit(ctx, ops.SubmitInput{Snapshot: input.Snapshot})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSurveyNew handles the survey_new tool call.
func (h *Handlers) HandleSurveyNew(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SurveyNewRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.StartNewSurvey(ctx, ops.NewSurveyInput{Force: input.Force})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSurveyUpdate handles the survey_update tool call.
func (h *Handlers) HandleSurveyUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SurveyUpdateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Update(ctx, ops.UpdateInput{
		RecordID: input.RecordID,
		DraftID:  input.DraftID,
		Payload:  input.Payload,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSurveyDelete handles the survey_delete tool call.
func (h *Handlers) HandleSurveyDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SurveyDeleteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Delete(ctx, ops.DeleteInput{
		RecordID: input.RecordID,
		DraftID:  input.DraftID,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSyncTrigger handles the sync_trigger tool call.
func (h *Handlers) HandleSyncTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.svc.TriggerSync(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSyncPending handles the sync_pending tool call.
func (h *Handlers) HandleSyncPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := h.svc.PendingCount(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(pendingResult{Pending: n})
}

// HandleSyncStatus handles the sync_status tool call.
func (h *Handlers) HandleSyncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.svc.Status(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSyncQueue handles the sync_queue tool call.
func (h *Handlers) HandleSyncQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SyncQueueRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	list := ops.ListQueueInput{Limit: input.Limit, Offset: input.Offset}
	switch queue.Status(input.Status) {
	case "":
	case queue.StatusPending, queue.StatusFailed:
		status := queue.Status(input.Status)
		list.Status = &status
	default:
		return errorResult(errors.NewInvalidRequest("status must be one of: pending, failed")), nil
	}

	result, err := h.svc.ListQueue(ctx, list)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSyncRetry handles the sync_retry tool call.
func (h *Handlers) HandleSyncRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.svc.RetryFailed(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStoreExport handles the store_export tool call.
func (h *Handlers) HandleStoreExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StoreExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Export(ctx, ops.ExportInput{Path: input.Path})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStoreImport handles the store_import tool call.
func (h *Handlers) HandleStoreImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StoreImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Import(ctx, ops.ImportInput{
		Path: input.Path,
		Mode: ops.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStorePurge handles the store_purge tool call.
func (h *Handlers) HandleStorePurge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StorePurgeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Purge(ctx, ops.PurgeInput{Confirm: input.Confirm})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var fbErr *errors.FieldbookError
	if stderrors.As(err, &fbErr) {
		msg := fbErr.Message
		if err != error(fbErr) {
			// Keep the caller's wrapping context
			msg = err.Error()
		}
		errorObj := map[string]any{
			"code":    fbErr.Code,
			"message": msg,
			"status":  fbErr.Status,
		}
		if fbErr.Code != errors.ErrInternal && fbErr.Details != nil {
			errorObj["details"] = fbErr.Details
		}
		if fbErr.Code == errors.ErrInternal {
			errorObj["message"] = "an internal error occurred"
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
