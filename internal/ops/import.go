package ops

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/draft"
	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/queue"
)

// maxBackupLine bounds one JSONL line; media payloads are inlined as base64.
const maxBackupLine = 64 << 20

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on any existing key (atomic)
	ImportModeReplace ImportMode = "replace" // overwrite existing keys
	ImportModeSkip    ImportMode = "skip"    // keep existing keys
)

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required
	Mode ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError represents an error that occurred during import.
type ImportError struct {
	Line    int    `json:"line"`
	Key     string `json:"key,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errCollision rolls back an error-mode import.
var errCollision = stderrors.New("key collision")

// Import restores a backup written by Export into this namespace.
// Restoring while a sync pass runs is refused.
func (s *Service) Import(ctx context.Context, input ImportInput) (*ImportOutput, error) {
	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	switch input.Mode {
	case ImportModeError, ImportModeReplace, ImportModeSkip:
	default:
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, skip")
	}
	if err := ValidatePath(input.Path, PathCheckRead, s.cfg, s.exportsDir); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out *ImportOutput
	err := s.holdEngine(func() error {
		var err error
		out, err = s.restore(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) restore(ctx context.Context, input ImportInput) (*ImportOutput, error) {
	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if errors.Is(err, errors.ErrFileNotFound) || errors.Is(err, errors.ErrInvalidRequest) {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	records, parseErrors := parseExportFile(file)

	// Error mode is all or nothing.
	if input.Mode == ImportModeError && len(parseErrors) > 0 {
		return &ImportOutput{Errors: parseErrors}, nil
	}

	out := &ImportOutput{Errors: parseErrors}
	out.Skipped = len(parseErrors)
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}

	err = s.kv.Batch(ctx, func(tx *db.Tx) error {
		for _, rec := range records {
			if ctx.Err() != nil {
				return errors.NewCancelled("import")
			}
			_, exists, err := tx.Get(ctx, rec.key)
			if err != nil {
				return err
			}
			if exists {
				switch input.Mode {
				case ImportModeError:
					out.Errors = append(out.Errors, ImportError{
						Line:    rec.line,
						Key:     rec.key,
						Code:    "KEY_COLLISION",
						Message: fmt.Sprintf("key %q already exists", rec.key),
					})
					return errCollision
				case ImportModeSkip:
					out.Skipped++
					continue
				}
			}
			if err := tx.Put(ctx, rec.key, rec.value); err != nil {
				return err
			}
			out.Imported++
		}
		return nil
	})
	if stderrors.Is(err, errCollision) {
		return &ImportOutput{Errors: out.Errors}, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithField("path", input.Path).WithField("imported", out.Imported).Info("backup restored")
	return out, nil
}

type backupEntry struct {
	line  int
	key   string
	value []byte
}

// parseExportFile reads a backup file, skipping the header and collecting
// per-line problems instead of failing on the first one.
func parseExportFile(r io.Reader) ([]backupEntry, []ImportError) {
	var records []backupEntry
	var parseErrors []ImportError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBackupLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var record ExportRecord
		if err := json.Unmarshal(line, &record); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if record.FieldbookExport {
			continue
		}
		if !knownKey(record.Key) {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Key:     record.Key,
				Code:    "INVALID_RECORD",
				Message: "unknown or missing key",
			})
			continue
		}
		if len(record.Value) == 0 || string(record.Value) == "null" {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Key:     record.Key,
				Code:    "INVALID_RECORD",
				Message: "missing value",
			})
			continue
		}

		records = append(records, backupEntry{line: lineNum, key: record.Key, value: []byte(record.Value)})
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}

	return records, parseErrors
}

// knownKey reports whether key belongs to one of the store's record families.
func knownKey(key string) bool {
	switch key {
	case draft.DraftKey, draft.SessionKey:
		return true
	}
	for _, prefix := range []string{
		media.KindPhoto.Prefix(),
		media.KindAudio.Prefix(),
		queue.KeyPrefix,
		queue.LinkPrefix,
	} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}
