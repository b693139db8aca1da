// Package inbox watches a drop directory that a form UI writes into and feeds
// what appears there to the draft manager and the media store.
//
// Two kinds of file are recognized:
//
//	draft.json                   the current form snapshot
//	<section>__<field>__<name>   a photo or audio clip for that form field
//
// Files are ingested once they have been quiet for the debounce interval, then
// removed. Files the store refuses are moved to the rejected/ subdirectory.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/ops"
)

// DraftFile is the file name a form UI writes its snapshot to.
const DraftFile = "draft.json"

// RejectedDir holds files that could not be ingested.
const RejectedDir = "rejected"

// DefaultDebounce is how long a file must be quiet before it is read.
const DefaultDebounce = 250 * time.Millisecond

// maxFileSize bounds what is read from the inbox.
const maxFileSize = 64 << 20

const fieldSep = "__"

// Sink receives ingested files. *ops.Service implements it.
type Sink interface {
	SaveDraft(ctx context.Context, input ops.SaveDraftInput) (*ops.SaveDraftOutput, error)
	CaptureMedia(ctx context.Context, input ops.CaptureInput) (*ops.CaptureOutput, error)
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   logrus.FieldLogger

	// OnIngest, when set, is called after each file is handled.
	OnIngest func(Result)
}

// Kind identifies what an inbox file holds.
type Kind string

const (
	KindDraft Kind = "draft"
	KindMedia Kind = "media"
)

// Result describes one handled file.
type Result struct {
	Path string
	Kind Kind
	// ID is the draft id or media id the file became.
	ID  string
	Err error
	// Rejected is set when the file was moved aside rather than left for another attempt.
	Rejected bool
}

// Watcher ingests files dropped into a directory.
type Watcher struct {
	dir      string
	sink     Sink
	debounce time.Duration
	logger   logrus.FieldLogger
	onIngest func(Result)

	mu      sync.Mutex
	changes map[string]time.Time
}

// New creates a Watcher for dir. The directory is created by Run if missing.
func New(dir string, sink Sink, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		sink:     sink,
		debounce: opts.Debounce,
		logger:   logging.Component(opts.Logger, "inbox"),
		onIngest: opts.OnIngest,
		changes:  make(map[string]time.Time),
	}
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run watches the inbox until ctx is cancelled. Files already present when
// Run starts are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("create inbox %s: %w", w.dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}
	w.logger.WithField("dir", w.dir).Info("watching inbox")

	w.Scan(ctx)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.queueChange(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watch error")

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

// Scan ingests every recognized file currently in the inbox.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.WithError(err).Warn("scan inbox")
		return
	}
	// The draft goes first so media attach to the draft it belongs with.
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() == DraftFile {
			w.Ingest(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != DraftFile {
			w.Ingest(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

func (w *Watcher) queueChange(path string) {
	if filepath.Dir(path) != filepath.Clean(w.dir) || ignored(filepath.Base(path)) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changes[path] = time.Now()
}

// processPendingChanges ingests files that have been quiet long enough.
func (w *Watcher) processPendingChanges(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changes {
		if now.Sub(queuedAt) < w.debounce {
			continue
		}
		ready = append(ready, path)
		delete(w.changes, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.Ingest(ctx, path)
	}
}

// Ingest handles one inbox file. Unrecognized names are left alone.
func (w *Watcher) Ingest(ctx context.Context, path string) {
	name := filepath.Base(path)
	if ignored(name) {
		return
	}
	// Already ingested through an earlier event.
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return
	}

	var res Result
	switch {
	case name == DraftFile:
		res = w.ingestDraft(ctx, path)
	default:
		section, field, ok := ParseMediaName(name)
		if !ok {
			w.logger.WithField("file", name).Debug("ignoring unrecognized file")
			return
		}
		res = w.ingestMedia(ctx, path, section, field)
	}

	if res.Err == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.WithError(err).WithField("file", name).Warn("remove ingested file")
		}
		w.logger.WithFields(logrus.Fields{"file": name, "kind": res.Kind, "id": res.ID}).Info("ingested")
	} else if permanent(res.Err) {
		res.Rejected = true
		w.reject(path, res.Err)
	} else {
		w.logger.WithError(res.Err).WithField("file", name).Warn("ingest failed, will retry on next change")
	}

	if w.onIngest != nil {
		w.onIngest(res)
	}
}

func (w *Watcher) ingestDraft(ctx context.Context, path string) Result {
	res := Result{Path: path, Kind: KindDraft}
	data, err := readFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	out, err := w.sink.SaveDraft(ctx, ops.SaveDraftInput{Snapshot: data})
	if err != nil {
		res.Err = err
		return res
	}
	res.ID = out.DraftID
	return res
}

func (w *Watcher) ingestMedia(ctx context.Context, path, section, field string) Result {
	res := Result{Path: path, Kind: KindMedia}
	data, err := readFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	info, err := os.Stat(path)
	if err != nil {
		res.Err = err
		return res
	}
	out, err := w.sink.CaptureMedia(ctx, ops.CaptureInput{
		Payload:    data,
		Filename:   filepath.Base(path),
		Section:    section,
		Field:      field,
		CapturedAt: info.ModTime(),
	})
	if err != nil {
		res.Err = err
		return res
	}
	res.ID = out.ID
	if out.Warning != "" {
		w.logger.WithField("file", filepath.Base(path)).Warn(out.Warning)
	}
	return res
}

// reject moves path into the rejected subdirectory.
func (w *Watcher) reject(path string, cause error) {
	name := filepath.Base(path)
	logger := w.logger.WithError(cause).WithField("file", name)

	dir := filepath.Join(w.dir, RejectedDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.WithField("move_error", err).Error("rejected file left in place")
		return
	}
	dst := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), name))
	if err := os.Rename(path, dst); err != nil {
		logger.WithField("move_error", err).Error("rejected file left in place")
		return
	}
	logger.WithField("moved_to", dst).Warn("file rejected")
}

// ParseMediaName splits "<section>__<field>__<rest>" into its section and field.
func ParseMediaName(name string) (section, field string, ok bool) {
	parts := strings.SplitN(name, fieldSep, 3)
	if len(parts) != 3 {
		return "", "", false
	}
	section, field = parts[0], parts[1]
	if section == "" || field == "" || parts[2] == "" {
		return "", "", false
	}
	return section, field, true
}

// ignored reports whether name is a hidden or partially written file.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part")
}

// permanent reports whether retrying the same file cannot succeed.
func permanent(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrInvalidRequest, errors.ErrMediaEncodingFailure:
		return true
	}
	return false
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("%s exceeds %d bytes", filepath.Base(path), maxFileSize))
	}
	return os.ReadFile(path)
}
