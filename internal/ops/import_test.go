package ops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpungsan/fieldbook/internal/errors"
)

func writeBackup(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImport_RoundTrip(t *testing.T) {
	ctx := context.Background()

	src := newHarness(t, harnessOpts{noBackend: true})
	src.save(t, `{"site":"A"}`)
	src.capture(t, "overview")
	if _, err := src.svc.Submit(ctx, SubmitInput{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	exported, err := src.svc.Export(ctx, ExportInput{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	// Restore on a fresh device whose exports dir holds the backup
	dst := newHarness(t, harnessOpts{noBackend: true})
	data, err := os.ReadFile(exported.Path)
	if err != nil {
		t.Fatal(err)
	}
	path := writeBackup(t, dst.svc.ExportsDir(), "restore.jsonl", strings.TrimSpace(string(data)))

	out, err := dst.svc.Import(ctx, ImportInput{Path: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if out.Imported != 4 || len(out.Errors) != 0 {
		t.Fatalf("Import() = %+v, want 4 imported", out)
	}

	status, err := dst.svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Queue.Pending != 1 || status.Media.Photos != 1 || status.Draft == nil {
		t.Errorf("restored status = %+v", status)
	}

	loaded, err := dst.svc.LoadDraft(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(loaded.Draft.FormSnapshot) != `{"site":"A"}` {
		t.Errorf("restored snapshot = %s", loaded.Draft.FormSnapshot)
	}
	if len(loaded.Media) != 1 {
		t.Errorf("restored media for session = %d, want 1", len(loaded.Media))
	}
}

func TestImport_ErrorModeIsAtomic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{noBackend: true})
	h.save(t, `{"existing":true}`)

	path := writeBackup(t, h.svc.ExportsDir(), "b.jsonl",
		`{"_fieldbook_export":true,"schema_version":"1","namespace":"default","exported_at":1}`,
		`{"key":"remote_d1","value":{"draft_id":"d1","remote_id":"rec-1","linked_at":1}}`,
		`{"key":"draft","value":{"id":"other","form_snapshot":{},"created_at":1,"last_modified":1,"is_draft":true}}`,
	)

	out, err := h.svc.Import(ctx, ImportInput{Path: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if out.Imported != 0 || len(out.Errors) != 1 || out.Errors[0].Code != "KEY_COLLISION" {
		t.Fatalf("Import() = %+v, want one KEY_COLLISION", out)
	}
	if out.Errors[0].Line != 3 || out.Errors[0].Key != "draft" {
		t.Errorf("error = %+v, want line 3 key draft", out.Errors[0])
	}

	// The link before the collision was rolled back
	links, err := h.svc.links.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 0 {
		t.Errorf("links after rolled-back import = %v", links)
	}
}

func TestImport_SkipAndReplace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{noBackend: true})
	saved := h.save(t, `{"existing":true}`)

	path := writeBackup(t, h.svc.ExportsDir(), "b.jsonl",
		`{"key":"draft","value":{"id":"`+saved.DraftID+`","form_snapshot":{"restored":true},"created_at":1,"last_modified":2,"is_draft":true}}`,
		`{"key":"remote_d1","value":{"draft_id":"d1","remote_id":"rec-1","linked_at":1}}`,
	)

	out, err := h.svc.Import(ctx, ImportInput{Path: path, Mode: ImportModeSkip})
	if err != nil {
		t.Fatalf("Import(skip) error = %v", err)
	}
	if out.Imported != 1 || out.Skipped != 1 {
		t.Errorf("Import(skip) = %+v, want 1 imported 1 skipped", out)
	}
	loaded, _ := h.svc.LoadDraft(ctx)
	if string(loaded.Draft.FormSnapshot) != `{"existing":true}` {
		t.Errorf("skip overwrote the draft: %s", loaded.Draft.FormSnapshot)
	}

	out, err = h.svc.Import(ctx, ImportInput{Path: path, Mode: ImportModeReplace})
	if err != nil {
		t.Fatalf("Import(replace) error = %v", err)
	}
	if out.Imported != 2 {
		t.Errorf("Import(replace) = %+v, want 2 imported", out)
	}
	loaded, _ = h.svc.LoadDraft(ctx)
	if string(loaded.Draft.FormSnapshot) != `{"restored":true}` {
		t.Errorf("replace kept the old draft: %s", loaded.Draft.FormSnapshot)
	}
}

func TestImport_ParseErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{noBackend: true})

	path := writeBackup(t, h.svc.ExportsDir(), "b.jsonl",
		`not json`,
		`{"key":"notebook_1","value":{}}`,
		`{"key":"photo_","value":{}}`,
		`{"key":"remote_d1"}`,
		`{"key":"remote_d2","value":{"draft_id":"d2","remote_id":"rec-2","linked_at":1}}`,
	)

	out, err := h.svc.Import(ctx, ImportInput{Path: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if out.Imported != 0 || len(out.Errors) != 4 {
		t.Fatalf("Import(error mode) = %+v, want 4 parse errors and nothing imported", out)
	}
	wantCodes := []string{"PARSE_ERROR", "INVALID_RECORD", "INVALID_RECORD", "INVALID_RECORD"}
	for i, e := range out.Errors {
		if e.Code != wantCodes[i] || e.Line != i+1 {
			t.Errorf("error %d = %+v, want %s on line %d", i, e, wantCodes[i], i+1)
		}
	}

	out, err = h.svc.Import(ctx, ImportInput{Path: path, Mode: ImportModeReplace})
	if err != nil {
		t.Fatalf("Import(replace) error = %v", err)
	}
	if out.Imported != 1 || out.Skipped != 4 {
		t.Errorf("Import(replace) = %+v, want 1 imported 4 skipped", out)
	}
}

func TestImport_InvalidInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{noBackend: true})

	_, err := h.svc.Import(ctx, ImportInput{Path: filepath.Join(h.svc.ExportsDir(), "x.jsonl"), Mode: "rename"})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("bad mode = %v, want INVALID_REQUEST", err)
	}
	_, err = h.svc.Import(ctx, ImportInput{Path: filepath.Join(h.svc.ExportsDir(), "missing.jsonl")})
	if !errors.Is(err, errors.ErrFileNotFound) {
		t.Errorf("missing file = %v, want FILE_NOT_FOUND", err)
	}
	_, err = h.svc.Import(ctx, ImportInput{})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("empty path = %v, want INVALID_REQUEST", err)
	}
}
