package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var draftSaveToolDef = mcp.NewTool("draft_save",
	mcp.WithDescription("Persist the current form state as the single active draft. Call on every field change; an error means the edit was not saved."),
	mcp.WithObject("snapshot", mcp.Required(), mcp.Description("The complete form state as a JSON object")),
)

var draftLoadToolDef = mcp.NewTool("draft_load",
	mcp.WithDescription("Load the persisted draft and the media captured for the current survey."),
)

var draftClearToolDef = mcp.NewTool("draft_clear",
	mcp.WithDescription("Discard the active draft. Queued submissions and captured media are kept."),
)

var mediaCaptureToolDef = mcp.NewTool("media_capture",
	mcp.WithDescription("Store a photo or audio clip for a form field of the current survey. Photos get a thumbnail."),
	mcp.WithString("data", mcp.Required(), mcp.Description("Base64-encoded file bytes")),
	mcp.WithString("section", mcp.Required(), mcp.Description("Form section the media belongs to")),
	mcp.WithString("field", mcp.Required(), mcp.Description("Form field the media belongs to")),
	mcp.WithString("filename", mcp.Description("Original file name")),
	mcp.WithString("content_type", mcp.Description("MIME type; detected from the bytes when omitted")),
	mcp.WithString("kind", mcp.Enum("photo", "audio"), mcp.Description("Media kind; inferred from the content type when omitted")),
	mcp.WithNumber("lat", mcp.Description("Capture latitude")),
	mcp.WithNumber("lng", mcp.Description("Capture longitude")),
	mcp.WithNumber("accuracy", mcp.Description("Location accuracy in meters")),
	mcp.WithNumber("captured_at", mcp.Description("Capture time as unix milliseconds (default: now)")),
)

var surveySubmitToolDef = mcp.NewTool("survey_submit",
	mcp.WithDescription("Queue the current survey for delivery and sync right away when online. Resubmitting before the record exists replaces the queued payload; after that it queues an update."),
	mcp.WithObject("snapshot", mcp.Description("Final form state; saved as the draft first when given")),
)

var surveyNewToolDef = mcp.NewTool("survey_new",
	mcp.WithDescription("Start a new survey. The previous survey's queued work and media stay attached to it."),
	mcp.WithBoolean("force", mcp.Description("Abandon unsubmitted edits of the current draft (default: false)")),
)

var surveyUpdateToolDef = mcp.NewTool("survey_update",
	mcp.WithDescription("Queue an update of an existing remote survey record. Address it by record_id or by the draft_id it was submitted from."),
	mcp.WithString("record_id", mcp.Description("Remote record id")),
	mcp.WithString("draft_id", mcp.Description("Local draft id of a submitted survey")),
	mcp.WithObject("payload", mcp.Required(), mcp.Description("New record payload")),
)

var surveyDeleteToolDef = mcp.NewTool("survey_delete",
	mcp.WithDescription("Queue deletion of a remote survey record. Address it by record_id or by draft_id."),
	mcp.WithString("record_id", mcp.Description("Remote record id")),
	mcp.WithString("draft_id", mcp.Description("Local draft id of a submitted survey")),
)

var syncTriggerToolDef = mcp.NewTool("sync_trigger",
	mcp.WithDescription("Run a sync pass now, even if the device believes it is offline. Returns the pass summary."),
)

var syncPendingToolDef = mcp.NewTool("sync_pending",
	mcp.WithDescription("Count queued items, failed ones included."),
)

var syncStatusToolDef = mcp.NewTool("sync_status",
	mcp.WithDescription("Show connectivity, engine state, queue and media counts, and the last sync summary."),
)

var syncQueueToolDef = mcp.NewTool("sync_queue",
	mcp.WithDescription("List queued items in dispatch order, without payloads."),
	mcp.WithString("status", mcp.Enum("pending", "failed"), mcp.Description("Only items with this status")),
	mcp.WithNumber("limit", mcp.Description("Max results (default: 50, max: 500)")),
	mcp.WithNumber("offset", mcp.Description("Pagination offset")),
)

var syncRetryToolDef = mcp.NewTool("sync_retry",
	mcp.WithDescription("Give every failed item a fresh retry budget and run a sync pass."),
)

var storeExportToolDef = mcp.NewTool("store_export",
	mcp.WithDescription("Write every local record, media included, to a JSONL backup file."),
	mcp.WithString("path", mcp.Description("Output .jsonl path (default: <data dir>/exports/<namespace>-<timestamp>.jsonl)")),
)

var storeImportToolDef = mcp.NewTool("store_import",
	mcp.WithDescription("Restore a JSONL backup written by store_export."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Backup .jsonl path")),
	mcp.WithString("mode", mcp.Enum("error", "replace", "skip"), mcp.Description("Collision handling (default: error, which imports nothing on any collision)")),
)

var storePurgeToolDef = mcp.NewTool("store_purge",
	mcp.WithDescription("Permanently delete the queue, media, remote links, and draft of this namespace. Unsynced work is lost."),
	mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true")),
)
