package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// RemoteURL is the base URL of the survey backend (e.g. https://surveys.example.org/api).
	// Empty means the device stays offline and everything queues locally.
	RemoteURL string `json:"remote_url,omitempty"`

	// Namespace scopes the local store to one device/profile.
	Namespace string `json:"namespace,omitempty"`

	// MaxRetries is the retry ceiling applied to newly enqueued sync items.
	MaxRetries int `json:"max_retries,omitempty"`

	// BackoffBaseMs is the unit of the exponential backoff: delay = base * 2^retryCount.
	BackoffBaseMs int `json:"backoff_base_ms,omitempty"`

	// ThumbnailMaxDim bounds the longest side of derived photo thumbnails, in pixels.
	ThumbnailMaxDim int `json:"thumbnail_max_dim,omitempty"`

	// ProbeIntervalMs is how often the connectivity prober pings the backend.
	ProbeIntervalMs int `json:"probe_interval_ms,omitempty"`

	// RequestTimeoutMs bounds each remote call. The engine itself never times out.
	RequestTimeoutMs int `json:"request_timeout_ms,omitempty"`

	// InboxDir is the drop directory watched by `fieldbook watch`.
	// Relative paths are resolved against the base directory.
	InboxDir string `json:"inbox_dir,omitempty"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `json:"log_level,omitempty"`

	// LogFile, when set, routes logs to a rotating file instead of stderr.
	LogFile string `json:"log_file,omitempty"`

	// AllowedPaths lists extra absolute directories that backup files may be
	// written to or read from, besides <base>/exports.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths lifts the directory restriction on backup paths.
	// Symlinks are still refused.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool families to disable entirely.
	// Known types: "draft", "media", "survey", "sync", "store".
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Namespace:        "default",
		MaxRetries:       5,
		BackoffBaseMs:    1000,
		ThumbnailMaxDim:  320,
		ProbeIntervalMs:  15000,
		RequestTimeoutMs: 30000,
		InboxDir:         "inbox",
		LogLevel:         "info",
	}
}

// BackoffBase returns BackoffBaseMs as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// ProbeInterval returns ProbeIntervalMs as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMs as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ResolveInboxDir returns the absolute inbox directory for baseDir.
func (c *Config) ResolveInboxDir(baseDir string) string {
	if c.InboxDir == "" || filepath.IsAbs(c.InboxDir) {
		return c.InboxDir
	}
	return filepath.Join(baseDir, c.InboxDir)
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.fieldbook.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.fieldbook) and project (.fieldbook) directories.
// Project config is found by walking upward from startDir to find the nearest .fieldbook/config.json.
// Project config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then project
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .fieldbook/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".fieldbook", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.RemoteURL = pickString(overlay.RemoteURL, base.RemoteURL)
	result.Namespace = pickString(overlay.Namespace, base.Namespace)
	result.InboxDir = pickString(overlay.InboxDir, base.InboxDir)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)
	result.LogFile = pickString(overlay.LogFile, base.LogFile)

	result.MaxRetries = pickInt(overlay.MaxRetries, base.MaxRetries)
	result.BackoffBaseMs = pickInt(overlay.BackoffBaseMs, base.BackoffBaseMs)
	result.ThumbnailMaxDim = pickInt(overlay.ThumbnailMaxDim, base.ThumbnailMaxDim)
	result.ProbeIntervalMs = pickInt(overlay.ProbeIntervalMs, base.ProbeIntervalMs)
	result.RequestTimeoutMs = pickInt(overlay.RequestTimeoutMs, base.RequestTimeoutMs)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	// Booleans: either side can enable
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
