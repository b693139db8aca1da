// Package logging configures the process-wide logrus logger.
//
// Long-running modes (MCP over stdio, the watch daemon) must never write logs
// to stdout, so they either log to stderr or to a rotating file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is a logrus level name. Unknown names fall back to info.
	Level string

	// File, when set, receives logs through a size-rotated writer.
	// Relative paths are resolved against BaseDir.
	File    string
	BaseDir string

	// Output is used when File is empty. Defaults to stderr.
	Output io.Writer
}

// New builds a logger from opts. The returned closer releases the log file, if any.
func New(opts Options) (*logrus.Logger, io.Closer) {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{
		DisableLevelTruncation: true,
		PadLevelText:           true,
		TimestampFormat:        "2006/01/02 15:04:05",
		FullTimestamp:          true,
	}
	logger.SetLevel(ParseLevel(opts.Level))

	var closer io.Closer = nopCloser{}
	switch {
	case opts.File != "":
		path := opts.File
		if !filepath.IsAbs(path) && opts.BaseDir != "" {
			path = filepath.Join(opts.BaseDir, path)
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		logger.SetOutput(rotator)
		logger.Formatter = &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006/01/02 15:04:05",
		}
		closer = rotator
	case opts.Output != nil:
		logger.SetOutput(opts.Output)
	default:
		logger.SetOutput(os.Stderr)
	}

	return logger, closer
}

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Discard returns a logger that drops everything. Used by tests and by
// callers that pass a nil logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(logger logrus.FieldLogger, name string) logrus.FieldLogger {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
