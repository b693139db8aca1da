package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hpungsan/fieldbook/internal/errors"
)

// BackupSchemaVersion is written into every backup header.
const BackupSchemaVersion = "1"

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path string // optional, default: <base>/exports/<namespace>-<timestamp>.jsonl
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a backup file.
type ExportHeader struct {
	FieldbookExport bool   `json:"_fieldbook_export"`
	SchemaVersion   string `json:"schema_version"`
	Namespace       string `json:"namespace"`
	ExportedAt      int64  `json:"exported_at"`
}

// ExportRecord is one store entry in a backup file.
type ExportRecord struct {
	FieldbookExport bool            `json:"_fieldbook_export,omitempty"`
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
}

// Export writes every entry of the namespace (draft, session, media, queue and
// links) to a JSONL backup, so a device can be restored without losing unsynced work.
func (s *Service) Export(ctx context.Context, input ExportInput) (*ExportOutput, error) {
	now := s.now()
	exportedAt := now.Unix()

	exportPath := input.Path
	if exportPath == "" {
		exportPath = s.defaultExportPath(now)
	}

	// Default paths go through validation too: the namespace is user-controlled.
	if err := ValidatePath(exportPath, PathCheckWrite, s.cfg, s.exportsDir); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	// Write to a temp file and rename, so an existing backup survives a failed export.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	if err := enc.Encode(ExportHeader{
		FieldbookExport: true,
		SchemaVersion:   BackupSchemaVersion,
		Namespace:       s.kv.Namespace(),
		ExportedAt:      exportedAt,
	}); err != nil {
		return nil, errors.NewInternal(err)
	}

	count := 0
	for entry, err := range s.kv.Scan(ctx, "") {
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.NewCancelled("export")
		}
		if !json.Valid(entry.Value) {
			return nil, errors.NewInternal(fmt.Errorf("store entry %s is not JSON", entry.Key))
		}
		if err := enc.Encode(ExportRecord{Key: entry.Key, Value: entry.Value}); err != nil {
			return nil, errors.NewInternal(err)
		}
		count++
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	// Close before the rename; Windows refuses to rename an open file.
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlink at the destination.
	if isSymlink(exportPath) {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}

	// Windows cannot rename over an existing file. Fail and keep the old backup
	// rather than delete it first.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	s.logger.WithField("path", exportPath).WithField("count", count).Info("backup written")
	return &ExportOutput{
		Path:       exportPath,
		Count:      count,
		ExportedAt: exportedAt,
	}, nil
}

// defaultExportPath returns <exports>/<namespace>-<timestamp>.jsonl.
func (s *Service) defaultExportPath(now time.Time) string {
	name := SanitizeForFilename(s.kv.Namespace())
	filename := fmt.Sprintf("%s-%s.jsonl", name, now.Format("2006-01-02T150405"))
	return filepath.Join(s.exportsDir, filename)
}
