// Package mockremote is an in-memory survey backend speaking the same HTTP
// contract as the real one. It is used for field rehearsals without a server
// and as the backend in client and end-to-end tests.
//
// Faults can be injected per route to rehearse outages and rejections.
package mockremote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/remote"
)

// maxUpload bounds a single media upload.
const maxUpload = 64 << 20

// Media is an uploaded blob attached to a record.
type Media struct {
	ID          string          `json:"id"`
	LocalID     string          `json:"local_id"`
	Kind        string          `json:"kind"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	Section     string          `json:"section"`
	Field       string          `json:"field"`
	Size        int             `json:"size"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Record is a stored survey record.
type Record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Media     []Media         `json:"media"`
}

// Fault makes the next Count requests matching Method and Path fail with Status.
// An empty Method or Path matches anything; Path matches by prefix.
// Count <= 0 means until cleared.
type Fault struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Status int    `json:"status"`
	Count  int    `json:"count,omitempty"`
}

// Stats counts requests by outcome.
type Stats struct {
	Requests int `json:"requests"`
	Faulted  int `json:"faulted"`
	Creates  int `json:"creates"`
	Replays  int `json:"replays"` // creates or uploads answered from the idempotency cache
	Uploads  int `json:"uploads"`
}

// Server is the mock backend.
type Server struct {
	echo   *echo.Echo
	now    func() time.Time
	logger logrus.FieldLogger

	mu        sync.Mutex
	records   map[string]*Record
	createKey map[string]string // idempotency key -> record id
	uploadKey map[string]string // record id + local id -> media id
	faults    []*Fault
	stats     Stats
	seq       int
}

// New returns a mock backend with its routes registered.
func New(logger logrus.FieldLogger) *Server {
	s := &Server{
		now:       time.Now,
		logger:    logging.Component(logger, "mockremote"),
		records:   make(map[string]*Record),
		createKey: make(map[string]string),
		uploadKey: make(map[string]string),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(logrus.Fields{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			}).Debug("request")
			return nil
		},
	}))
	e.Use(s.faultMiddleware)
	s.RegisterRoutes(e)
	s.echo = e
	return s
}

// RegisterRoutes mounts the backend contract and the control endpoints on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET(remote.PathHealth, s.handleHealth)
	e.POST(remote.PathRecords, s.handleCreate)
	e.GET(remote.PathRecords, s.handleList)
	e.GET(remote.PathRecords+"/:id", s.handleGet)
	e.PUT(remote.PathRecords+"/:id", s.handleUpdate)
	e.DELETE(remote.PathRecords+"/:id", s.handleDelete)
	e.POST(remote.PathRecords+"/:id/media", s.handleUpload)

	e.POST("/_mock/faults", s.handleAddFault)
	e.DELETE("/_mock/faults", s.handleClearFaults)
	e.GET("/_mock/stats", s.handleStats)
}

// Handler returns the HTTP handler, for httptest or an http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Inject adds a fault.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// ClearFaults removes every injected fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Records returns a copy of every stored record in creation order.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		cp.Media = append([]Media(nil), r.Media...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record returns a copy of one record.
func (s *Server) Record(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.Media = append([]Media(nil), r.Media...)
	return cp, true
}

// Stats returns request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) faultMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		if strings.HasPrefix(path, "/_mock/") {
			return next(c)
		}

		s.mu.Lock()
		s.stats.Requests++
		status := s.takeFaultLocked(c.Request().Method, path)
		if status != 0 {
			s.stats.Faulted++
		}
		s.mu.Unlock()

		if status != 0 {
			return apiError(c, status, "INJECTED_FAULT", fmt.Sprintf("injected fault %d", status))
		}
		return next(c)
	}
}

func (s *Server) takeFaultLocked(method, path string) int {
	for i, f := range s.faults {
		if f.Method != "" && !strings.EqualFold(f.Method, method) {
			continue
		}
		if f.Path != "" && !strings.HasPrefix(path, f.Path) {
			continue
		}
		if f.Count > 0 {
			f.Count--
			if f.Count == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return f.Status
	}
	return 0
}

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (s *Server) handleCreate(c echo.Context) error {
	payload, err := readJSON(c)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	}
	key := c.Request().Header.Get(remote.HeaderIdempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if id, ok := s.createKey[key]; ok {
			s.stats.Replays++
			return c.JSON(http.StatusOK, remote.RecordResponse{ID: id})
		}
	}

	now := s.now().UnixMilli()
	rec := &Record{
		ID:        s.nextIDLocked("rec"),
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		Media:     []Media{},
	}
	s.records[rec.ID] = rec
	if key != "" {
		s.createKey[key] = rec.ID
	}
	s.stats.Creates++
	return c.JSON(http.StatusCreated, remote.RecordResponse{ID: rec.ID})
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"records": s.Records()})
}

func (s *Server) handleGet(c echo.Context) error {
	rec, ok := s.Record(c.Param("id"))
	if !ok {
		return apiError(c, http.StatusNotFound, "NOT_FOUND", "record not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleUpdate(c echo.Context) error {
	payload, err := readJSON(c)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[c.Param("id")]
	if !ok {
		return apiError(c, http.StatusNotFound, "NOT_FOUND", "record not found")
	}
	rec.Payload = payload
	rec.UpdatedAt = s.now().UnixMilli()
	return c.JSON(http.StatusOK, remote.RecordResponse{ID: rec.ID})
}

func (s *Server) handleDelete(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("id")
	if _, ok := s.records[id]; !ok {
		return apiError(c, http.StatusNotFound, "NOT_FOUND", "record not found")
	}
	delete(s.records, id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpload(c echo.Context) error {
	parentID := c.Param("id")
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		return apiError(c, http.StatusBadRequest, "MISSING_FILE", err.Error())
	}
	f, err := fh.Open()
	if err != nil {
		return apiError(c, http.StatusBadRequest, "MISSING_FILE", err.Error())
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return apiError(c, http.StatusBadRequest, "MISSING_FILE", err.Error())
	}

	m := Media{
		LocalID:     c.FormValue("local_id"),
		Kind:        c.FormValue("kind"),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Section:     c.FormValue("section"),
		Field:       c.FormValue("field"),
		Size:        len(data),
	}
	if meta := c.FormValue("metadata"); meta != "" {
		if !json.Valid([]byte(meta)) {
			return apiError(c, http.StatusBadRequest, "INVALID_METADATA", "metadata must be JSON")
		}
		m.Metadata = json.RawMessage(meta)
	}
	key := req.Header.Get(remote.HeaderIdempotencyKey)
	if key == "" {
		key = m.LocalID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[parentID]
	if !ok {
		return apiError(c, http.StatusNotFound, "NOT_FOUND", "parent record not found")
	}
	if key != "" {
		if id, ok := s.uploadKey[parentID+"/"+key]; ok {
			s.stats.Replays++
			return c.JSON(http.StatusOK, remote.MediaResponse{MediaID: id})
		}
	}
	m.ID = s.nextIDLocked("media")
	rec.Media = append(rec.Media, m)
	if key != "" {
		s.uploadKey[parentID+"/"+key] = m.ID
	}
	s.stats.Uploads++
	return c.JSON(http.StatusCreated, remote.MediaResponse{MediaID: m.ID})
}

func (s *Server) handleAddFault(c echo.Context) error {
	var f Fault
	if err := c.Bind(&f); err != nil {
		return apiError(c, http.StatusBadRequest, "INVALID_FAULT", err.Error())
	}
	if f.Status < 400 || f.Status > 599 {
		return apiError(c, http.StatusBadRequest, "INVALID_FAULT", "status must be 4xx or 5xx")
	}
	s.Inject(f)
	return c.JSON(http.StatusCreated, f)
}

func (s *Server) handleClearFaults(c echo.Context) error {
	s.ClearFaults()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Stats())
}

func readJSON(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUpload))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || !json.Valid(body) {
		return nil, fmt.Errorf("body must be a JSON document")
	}
	return json.RawMessage(body), nil
}

func apiError(c echo.Context, status int, code, msg string) error {
	var body remote.ErrorResponse
	body.Error.Code = code
	body.Error.Message = msg
	return c.JSON(status, body)
}
