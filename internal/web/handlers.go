package web

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/ops"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	svc      *ops.Service
	renderer *Renderer
	logger   logrus.FieldLogger
}

// HandleStatus handles GET /status: connectivity, counts, and the last pass.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, status)
		return
	}

	data := StatusPageData{
		PageData: h.renderer.page("Status", "status"),
		Status:   status,
	}
	if report := syncReport(status.LastSync); report != "" {
		data.Report = renderMarkdown(report)
	}
	h.renderer.renderPage(w, r, "status", data)
}

// HandleQueue handles GET /queue: queued items in dispatch order.
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	input := ops.ListQueueInput{
		Limit:  parseIntParam(r, "limit", ops.DefaultQueueLimit),
		Offset: parseIntParam(r, "offset", 0),
	}
	switch queue.Status(statusParam) {
	case "":
	case queue.StatusPending, queue.StatusFailed:
		status := queue.Status(statusParam)
		input.Status = &status
	default:
		h.renderer.renderError(w, r, errors.NewInvalidRequest("status must be one of: pending, failed"))
		return
	}

	result, err := h.svc.ListQueue(r.Context(), input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "queue", QueuePageData{
		PageData:   h.renderer.page("Queue", "queue"),
		Items:      result.Items,
		Pagination: result.Pagination,
		Status:     statusParam,
	})
}

// HandleDraft handles GET /draft: the persisted draft and its media.
func (h *Handlers) HandleDraft(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.LoadDraft(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	data := DraftPageData{
		PageData: h.renderer.page("Draft", "draft"),
		Draft:    result,
	}
	if result.Draft != nil {
		data.Snapshot = indentJSON(result.Draft.FormSnapshot)
	}
	h.renderer.renderPage(w, r, "draft", data)
}

// HandleThumbnail handles GET /media/{id}/thumbnail.
func (h *Handlers) HandleThumbnail(w http.ResponseWriter, r *http.Request) {
	thumb, err := h.svc.Thumbnail(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(thumb)))
	_, _ = w.Write(thumb)
}

// HandleSync handles POST /sync: run a pass now.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.TriggerSync(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if isHTMX(r) {
		writeFragment(w, `<div class="report">`+string(renderMarkdown(syncReport(sum)))+`</div>`)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, sum)
		return
	}
	http.Redirect(w, r, "/status", http.StatusSeeOther)
}

// HandleRetry handles POST /queue/retry: reset failed items and drain.
func (h *Handlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if isHTMX(r) {
		writeFragment(w, `<div class="report">`+string(renderMarkdown(syncReport(result.Sync)))+`</div>`)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}
	http.Redirect(w, r, "/queue", http.StatusSeeOther)
}

// HandlePurge handles POST /purge: permanently delete all local data of the namespace.
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}
	if r.FormValue("confirm") != "true" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("confirm parameter must be \"true\""))
		return
	}

	result, err := h.svc.Purge(r.Context(), ops.PurgeInput{Confirm: true})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.logger.WithField("result", result.Message).Warn("store purged from the dashboard")

	if isHTMX(r) {
		writeFragment(w, `<div class="purge-result">`+template.HTMLEscapeString(result.Message)+`</div>`)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}
	http.Redirect(w, r, "/status", http.StatusSeeOther)
}

func writeFragment(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// indentJSON pretty-prints raw for display, falling back to the raw text.
func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
