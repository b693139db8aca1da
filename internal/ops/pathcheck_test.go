package ops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hpungsan/fieldbook/internal/config"
	"github.com/hpungsan/fieldbook/internal/errors"
)

func TestValidatePath_TraversalRejected(t *testing.T) {
	cfg := config.DefaultConfig()
	exports := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../backup.jsonl"},
		{"deep traversal", "../../etc/backup.jsonl"},
		{"mid-path traversal", filepath.Join(exports, "..", "backup.jsonl")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePath(tc.path, PathCheckWrite, cfg, exports)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("ValidatePath(%q) = %v, want INVALID_REQUEST", tc.path, err)
			}
		})
	}
}

func TestValidatePath_ExtensionRequired(t *testing.T) {
	cfg := config.DefaultConfig()
	exports := t.TempDir()

	for _, name := range []string{"backup.json", "backup.txt", "backup"} {
		err := ValidatePath(filepath.Join(exports, name), PathCheckWrite, cfg, exports)
		if !errors.Is(err, errors.ErrInvalidRequest) {
			t.Errorf("ValidatePath(%s) = %v, want INVALID_REQUEST", name, err)
		}
	}
	if err := ValidatePath(filepath.Join(exports, "backup.jsonl"), PathCheckWrite, cfg, exports); err != nil {
		t.Errorf("ValidatePath(.jsonl) = %v, want nil", err)
	}
}

func TestValidatePath_DirectoryRestriction(t *testing.T) {
	cfg := config.DefaultConfig()
	exports := t.TempDir()
	elsewhere := t.TempDir()

	err := ValidatePath(filepath.Join(elsewhere, "backup.jsonl"), PathCheckWrite, cfg, exports)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("path outside exports dir = %v, want INVALID_REQUEST", err)
	}

	// Subdirectories of the exports dir are refused too
	nested := filepath.Join(exports, "nested")
	if err := os.MkdirAll(nested, 0700); err != nil {
		t.Fatal(err)
	}
	err = ValidatePath(filepath.Join(nested, "backup.jsonl"), PathCheckWrite, cfg, exports)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("nested path = %v, want INVALID_REQUEST", err)
	}
}

func TestValidatePath_AllowedPaths(t *testing.T) {
	exports := t.TempDir()
	extra := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{extra, "relative/ignored"}

	if err := ValidatePath(filepath.Join(extra, "backup.jsonl"), PathCheckWrite, cfg, exports); err != nil {
		t.Errorf("path in allowed_paths = %v, want nil", err)
	}
}

func TestValidatePath_AllowUnsafePaths(t *testing.T) {
	exports := t.TempDir()
	elsewhere := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true

	if err := ValidatePath(filepath.Join(elsewhere, "backup.jsonl"), PathCheckWrite, cfg, exports); err != nil {
		t.Errorf("unsafe write = %v, want nil", err)
	}
	err := ValidatePath(filepath.Join(elsewhere, "missing.jsonl"), PathCheckRead, cfg, exports)
	if !errors.Is(err, errors.ErrFileNotFound) {
		t.Errorf("unsafe read of missing file = %v, want FILE_NOT_FOUND", err)
	}
}

func TestValidatePath_FileNotFound_ReadMode(t *testing.T) {
	cfg := config.DefaultConfig()
	exports := t.TempDir()

	err := ValidatePath(filepath.Join(exports, "missing.jsonl"), PathCheckRead, cfg, exports)
	if !errors.Is(err, errors.ErrFileNotFound) {
		t.Errorf("ValidatePath(missing) = %v, want FILE_NOT_FOUND", err)
	}
}

func TestValidatePath_SymlinkRejected(t *testing.T) {
	exports := t.TempDir()
	target := filepath.Join(t.TempDir(), "target.jsonl")
	if err := os.WriteFile(target, []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(exports, "link.jsonl")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	for _, unsafe := range []bool{false, true} {
		cfg := config.DefaultConfig()
		cfg.AllowUnsafePaths = unsafe
		for _, mode := range []PathCheckMode{PathCheckRead, PathCheckWrite} {
			err := ValidatePath(link, mode, cfg, exports)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("symlink (unsafe=%v, mode=%d) = %v, want INVALID_REQUEST", unsafe, mode, err)
			}
		}
	}
}

func TestContainsTraversal(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"backup.jsonl", false},
		{"/a/b/backup.jsonl", false},
		{"../backup.jsonl", true},
		{"/a/../backup.jsonl", true},
		{"a..b.jsonl", false},
	}
	for _, tt := range tests {
		if got := containsTraversal(tt.path); got != tt.want {
			t.Errorf("containsTraversal(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSanitizeForFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"default", "default"},
		{"device/a", "device-a"},
		{"../../etc", "etc"},
		{"a\x00b", "ab"},
		{"---", "unnamed"},
		{"", "unnamed"},
	}
	for _, tt := range tests {
		if got := SanitizeForFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeForFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
