// Package mcp exposes the fieldbook operations as MCP tools over stdio, so an
// assistant can fill in, submit, and inspect surveys on the device.
package mcp

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/fieldbook/internal/config"
	"github.com/hpungsan/fieldbook/internal/ops"
)

// KnownTypes lists all valid tool family names.
var KnownTypes = []string{"draft", "media", "survey", "sync", "store"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"draft_save": {
		def:     draftSaveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDraftSave },
	},
	"draft_load": {
		def:     draftLoadToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDraftLoad },
	},
	"draft_clear": {
		def:     draftClearToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDraftClear },
	},
	"media_capture": {
		def:     mediaCaptureToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMediaCapture },
	},
	"survey_submit": {
		def:     surveySubmitToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSurveySubmit },
	},
	"survey_new": {
		def:     surveyNewToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSurveyNew },
	},
	"survey_update": {
		def:     surveyUpdateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSurveyUpdate },
	},
	"survey_delete": {
		def:     surveyDeleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSurveyDelete },
	},
	"sync_trigger": {
		def:     syncTriggerToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncTrigger },
	},
	"sync_pending": {
		def:     syncPendingToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncPending },
	},
	"sync_status": {
		def:     syncStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncStatus },
	},
	"sync_queue": {
		def:     syncQueueToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncQueue },
	},
	"sync_retry": {
		def:     syncRetryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncRetry },
	},
	"store_export": {
		def:     storeExportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStoreExport },
	},
	"store_import": {
		def:     storeImportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStoreImport },
	},
	"store_purge": {
		def:     storePurgeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStorePurge },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the family name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "sync_trigger" → "sync").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates a new MCP server with the fieldbook tools registered.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(svc *ops.Service, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fieldbook",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(svc)

	// Expand types first, then add individual tools
	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves MCP over stdio until stdin closes.
func Run(svc *ops.Service, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(svc, cfg, version))
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
