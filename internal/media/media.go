// Package media stores captured photos and audio until they are uploaded.
//
// Capture never depends on network state. Each blob is written as one record
// (original, thumbnail and metadata together) under photo_<id> or audio_<id>,
// independent of the draft record, so blobs outlive draft clears and session
// rotation until they are uploaded or purged.
package media

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/draft"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/ids"
)

// Kind is the media family.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindAudio Kind = "audio"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPhoto || k == KindAudio
}

// Prefix returns the store key prefix for k.
func (k Kind) Prefix() string {
	return string(k) + "_"
}

// GeoPoint is an optional capture location.
type GeoPoint struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"` // meters
}

// Metadata describes the original capture.
type Metadata struct {
	CapturedAt  int64     `json:"captured_at"` // unix ms
	Filename    string    `json:"filename,omitempty"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Geo         *GeoPoint `json:"geo,omitempty"`
}

// Blob is one captured photo or audio clip.
type Blob struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"kind"`
	Payload   []byte   `json:"payload"`
	Thumbnail []byte   `json:"thumbnail,omitempty"`
	Metadata  Metadata `json:"metadata"`
	Section   string   `json:"section"`
	Field     string   `json:"field"`

	// DraftID is the draft that was current at capture time. It is a lookup
	// key only; the draft may be gone long before the blob uploads.
	DraftID string `json:"draft_id"`

	IsUploaded    bool   `json:"is_uploaded"`
	RemoteMediaID string `json:"remote_media_id,omitempty"`
	UploadedAt    int64  `json:"uploaded_at,omitempty"`
}

// Key returns the store key for b.
func (b *Blob) Key() string {
	return b.Kind.Prefix() + b.ID
}

// SaveInput contains parameters for Save.
type SaveInput struct {
	Kind        Kind // inferred from ContentType when empty
	Payload     []byte
	Filename    string
	ContentType string // sniffed from Payload when empty
	Section     string
	Field       string
	Geo         *GeoPoint
	CapturedAt  time.Time // default: now
}

// SaveOutput contains the result of Save.
type SaveOutput struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	DraftID      string `json:"draft_id"`
	HasThumbnail bool   `json:"has_thumbnail"`

	// Warning is set when the original was stored but no thumbnail could be derived.
	Warning *errors.FieldbookError `json:"-"`
}

// Store persists media blobs.
type Store struct {
	kv          *db.KV
	thumbMaxDim int
	now         func() time.Time

	// mu serializes read-modify-write updates of a blob record.
	mu sync.Mutex
}

// NewStore returns a media store. thumbMaxDim bounds the longest thumbnail side.
func NewStore(kv *db.KV, thumbMaxDim int) *Store {
	if thumbMaxDim <= 0 {
		thumbMaxDim = DefaultThumbnailMaxDim
	}
	return &Store{kv: kv, thumbMaxDim: thumbMaxDim, now: time.Now}
}

// Save stores a captured blob for the draft in sess with IsUploaded=false.
// The record is written in a single put, so it is either fully present or absent.
func (s *Store) Save(ctx context.Context, sess draft.Session, input SaveInput) (*SaveOutput, error) {
	if sess.DraftID == "" {
		return nil, errors.NewInvalidRequest("session has no draft id")
	}
	if len(input.Payload) == 0 {
		return nil, errors.NewInvalidRequest("payload is required")
	}
	if strings.TrimSpace(input.Section) == "" || strings.TrimSpace(input.Field) == "" {
		return nil, errors.NewInvalidRequest("section and field are required")
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = detectContentType(input.Filename, input.Payload)
	}
	kind := input.Kind
	if kind == "" {
		kind = kindFor(contentType)
	}
	if !kind.Valid() {
		return nil, errors.NewInvalidRequest("kind must be one of: photo, audio")
	}

	capturedAt := input.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}

	id, err := ids.NewAt(s.now())
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	b := &Blob{
		ID:      id,
		Kind:    kind,
		Payload: input.Payload,
		Metadata: Metadata{
			CapturedAt:  capturedAt.UnixMilli(),
			Filename:    input.Filename,
			Size:        int64(len(input.Payload)),
			ContentType: contentType,
			Geo:         input.Geo,
		},
		Section: input.Section,
		Field:   input.Field,
		DraftID: sess.DraftID,
	}

	output := &SaveOutput{ID: id, Kind: kind, DraftID: sess.DraftID}
	if kind == KindPhoto {
		thumb, err := Thumbnail(input.Payload, s.thumbMaxDim)
		if err != nil {
			output.Warning = errors.NewMediaEncodingFailure(id, err)
		} else {
			b.Thumbnail = thumb
			output.HasThumbnail = true
		}
	}

	if err := s.put(ctx, b); err != nil {
		return nil, err
	}
	return output, nil
}

// All returns every stored blob, photos and audio, in capture order.
func (s *Store) All(ctx context.Context) ([]*Blob, error) {
	var out []*Blob
	for _, kind := range []Kind{KindPhoto, KindAudio} {
		for e, err := range s.kv.Scan(ctx, kind.Prefix()) {
			if err != nil {
				return nil, err
			}
			b, err := decode(e.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b *Blob) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// ForDraft returns the blobs captured under draftID, uploaded or not.
func (s *Store) ForDraft(ctx context.Context, draftID string) ([]*Blob, error) {
	return s.filter(ctx, func(b *Blob) bool { return b.DraftID == draftID })
}

// Unsynced returns every blob not yet uploaded.
func (s *Store) Unsynced(ctx context.Context) ([]*Blob, error) {
	return s.filter(ctx, func(b *Blob) bool { return !b.IsUploaded })
}

func (s *Store) filter(ctx context.Context, keep func(*Blob) bool) ([]*Blob, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Get returns the blob with id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id string) (*Blob, error) {
	b, _, err := s.lookup(ctx, id)
	return b, err
}

// MarkUploaded records a successful upload of id. Marking an already uploaded
// blob is a no-op that keeps the first remote id and timestamp.
// Returns whether the record changed.
func (s *Store) MarkUploaded(ctx context.Context, id, remoteMediaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, _, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	if b.IsUploaded {
		return false, nil
	}
	b.IsUploaded = true
	b.RemoteMediaID = remoteMediaID
	b.UploadedAt = s.now().UnixMilli()
	if err := s.put(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

// Purge deletes the blob with id, uploaded or not.
func (s *Store) Purge(ctx context.Context, id string) error {
	_, key, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	return s.kv.Delete(ctx, key)
}

// PurgeAll deletes every blob and returns how many were removed.
func (s *Store) PurgeAll(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range []Kind{KindPhoto, KindAudio} {
		n, err := s.kv.DeletePrefix(ctx, kind.Prefix())
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Counts summarizes stored media.
type Counts struct {
	Total    int `json:"total"`
	Unsynced int `json:"unsynced"`
	Photos   int `json:"photos"`
	Audio    int `json:"audio"`
}

// Count returns media counts.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	all, err := s.All(ctx)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, b := range all {
		c.Total++
		if !b.IsUploaded {
			c.Unsynced++
		}
		if b.Kind == KindPhoto {
			c.Photos++
		} else {
			c.Audio++
		}
	}
	return c, nil
}

func (s *Store) lookup(ctx context.Context, id string) (*Blob, string, error) {
	if strings.TrimSpace(id) == "" {
		return nil, "", errors.NewInvalidRequest("media id is required")
	}
	for _, kind := range []Kind{KindPhoto, KindAudio} {
		key := kind.Prefix() + id
		raw, found, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if found {
			b, err := decode(raw)
			return b, key, err
		}
	}
	return nil, "", errors.NewNotFound("media", id)
}

func (s *Store) put(ctx context.Context, b *Blob) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.kv.Put(ctx, b.Key(), raw)
}

func decode(raw []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.NewStorageUnavailable("decode media", err)
	}
	return &b, nil
}

func detectContentType(filename string, payload []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".m4a":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".webm":
		return "audio/webm"
	case ".mp3":
		return "audio/mpeg"
	}
	return http.DetectContentType(payload)
}

func kindFor(contentType string) Kind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindPhoto
	case strings.HasPrefix(contentType, "audio/"), contentType == "application/ogg":
		return KindAudio
	}
	return ""
}
