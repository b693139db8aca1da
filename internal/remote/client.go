package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/hpungsan/fieldbook/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "fieldbook-sync/1"

	// maxErrorBody caps how much of an error response is read for the message.
	maxErrorBody = 4 << 10
)

// Client is the HTTP implementation of Backend.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client for baseURL. A zero timeout uses 30s.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.NewInvalidRequest("remote_url is not configured")
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewInvalidRequest("remote_url must be an absolute http(s) URL")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{baseURL: baseURL}
	c.client = &http.Client{Timeout: timeout, Transport: c}
	return c, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RoundTrip stamps every request with the client user agent.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return http.DefaultTransport.RoundTrip(req)
}

// CreateRecord posts payload to the records collection.
func (c *Client) CreateRecord(ctx context.Context, payload json.RawMessage, idempotencyKey string) (string, error) {
	header := http.Header{"Content-Type": {"application/json"}}
	if idempotencyKey != "" {
		header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	var out RecordResponse
	if err := c.do(ctx, http.MethodPost, PathRecords, header, bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.NewNetworkFailure(fmt.Errorf("create response has no id"))
	}
	return out.ID, nil
}

// UpdateRecord replaces the record id with payload.
func (c *Client) UpdateRecord(ctx context.Context, id string, payload json.RawMessage) (string, error) {
	header := http.Header{"Content-Type": {"application/json"}}
	var out RecordResponse
	if err := c.do(ctx, http.MethodPut, RecordPath(url.PathEscape(id)), header, bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		out.ID = id
	}
	return out.ID, nil
}

// DeleteRecord deletes the record id. A 404 counts as success.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, RecordPath(url.PathEscape(id)), nil, nil, nil)
	if errors.RemoteStatus(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// UploadMedia sends the blob as multipart/form-data.
func (c *Client) UploadMedia(ctx context.Context, parentID string, upload MediaUpload) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := [][2]string{
		{"local_id", upload.LocalID},
		{"kind", upload.Kind},
		{"section", upload.Section},
		{"field", upload.Field},
	}
	if len(upload.Metadata) > 0 {
		fields = append(fields, [2]string{"metadata", string(upload.Metadata)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", errors.NewInternal(err)
		}
	}

	filename := upload.Filename
	if filename == "" {
		filename = upload.LocalID
	}
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", multipart.FileContentDisposition("file", filename))
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partHeader.Set("Content-Type", contentType)
	part, err := w.CreatePart(partHeader)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if _, err := part.Write(upload.Payload); err != nil {
		return "", errors.NewInternal(err)
	}
	if err := w.Close(); err != nil {
		return "", errors.NewInternal(err)
	}

	header := http.Header{"Content-Type": {w.FormDataContentType()}}
	if upload.LocalID != "" {
		header.Set(HeaderIdempotencyKey, upload.LocalID)
	}
	var out MediaResponse
	if err := c.do(ctx, http.MethodPost, MediaPath(url.PathEscape(parentID)), header, &body, &out); err != nil {
		return "", err
	}
	if out.MediaID == "" {
		return "", errors.NewNetworkFailure(fmt.Errorf("upload response has no media_id"))
	}
	return out.MediaID, nil
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, PathHealth, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.NewInternal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewNetworkFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A 2xx with a garbled body may still have been applied; retrying is safe
		// because creates and uploads carry idempotency keys.
		return errors.NewNetworkFailure(fmt.Errorf("decode %s %s response: %w", method, path, err))
	}
	return nil
}

// classify turns a non-2xx response into NETWORK_FAILURE or REMOTE_REJECTED.
func classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(raw)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	msg = fmt.Sprintf("%s %s: %d %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)

	if Transient(resp.StatusCode) {
		fbErr := errors.NewNetworkFailure(fmt.Errorf("%s", msg))
		fbErr.Details = map[string]any{"remote_status": resp.StatusCode}
		return fbErr
	}
	return errors.NewRemoteRejected(resp.StatusCode, msg)
}

func errorMessage(raw []byte) string {
	var structured ErrorResponse
	if json.Unmarshal(raw, &structured) == nil && structured.Error.Message != "" {
		return structured.Error.Message
	}
	var flat struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Message != "" {
		return flat.Message
	}
	return strings.TrimSpace(string(raw))
}
