package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/fieldbook/internal/errors"
	"github.com/hpungsan/fieldbook/internal/inbox"
	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/media"
	"github.com/hpungsan/fieldbook/internal/mockremote"
	"github.com/hpungsan/fieldbook/internal/ops"
	"github.com/hpungsan/fieldbook/internal/queue"
	"github.com/hpungsan/fieldbook/internal/web"
)

const (
	// maxSnapshotBytes bounds form snapshots and payloads read from stdin or --file.
	maxSnapshotBytes = 16 << 20
	// maxMediaBytes bounds a captured file.
	maxMediaBytes = 64 << 20
)

// newCLIApp creates the CLI application with all commands.
// A nil env only serves --help and --version.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:    "fieldbook",
		Usage:   "Offline-first field survey store",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", EnvVars: []string{"FIELDBOOK_HOME"}, Usage: "Data directory (default: ~/.fieldbook)"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug|info|warn|error (default: from config)"},
		},
		Before: func(c *cli.Context) error {
			if e == nil || e.db != nil {
				return nil
			}
			baseDir := c.String("home")
			if baseDir == "" {
				var err error
				if baseDir, err = defaultBaseDir(); err != nil {
					return err
				}
			}
			return e.open(baseDir)
		},
		Commands: []*cli.Command{
			draftCmd(e),
			captureCmd(e),
			submitCmd(e),
			newCmd(e),
			updateCmd(e),
			deleteCmd(e),
			syncCmd(e),
			pendingCmd(e),
			queueCmd(e),
			retryCmd(e),
			statusCmd(e),
			exportCmd(e),
			importCmd(e),
			purgeCmd(e),
			serveCmd(e),
			watchCmd(e),
			mockBackendCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serviceAction runs fn with a one-shot service. A re-drain scheduled by a
// failed pass is cancelled on return; the queue keeps the work for the next run.
func serviceAction(e *env, fn func(c *cli.Context, svc *ops.Service) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger, closer := e.newLogger(c.String("log-level"))
		defer closer.Close()

		svc, _, err := e.newService(logger)
		if err != nil {
			return outputError(err)
		}
		defer svc.Stop()
		return fn(c, svc)
	}
}

// draftCmd creates the draft command with its save, load and clear subcommands.
func draftCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "draft",
		Usage: "Save, load or clear the active draft",
		Subcommands: []*cli.Command{
			{
				Name:  "save",
				Usage: "Save the form snapshot (reads JSON from stdin or --file)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the snapshot from a file"},
				},
				Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
					snapshot, err := readInput(c, maxSnapshotBytes)
					if err != nil {
						return outputError(err)
					}
					if len(snapshot) == 0 {
						return outputError(errors.NewInvalidRequest("snapshot must be piped via stdin or given with --file"))
					}
					output, err := svc.SaveDraft(c.Context, ops.SaveDraftInput{Snapshot: snapshot})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				}),
			},
			{
				Name:  "load",
				Usage: "Print the persisted draft and its media",
				Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
					output, err := svc.LoadDraft(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				}),
			},
			{
				Name:  "clear",
				Usage: "Discard the draft without submitting it",
				Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
					output, err := svc.ClearDraft(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				}),
			},
		},
	}
}

// captureCmd creates the capture command.
func captureCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "capture",
		Usage:     "Store a photo or audio clip for a form field",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "section", Aliases: []string{"s"}, Required: true, Usage: "Form section"},
			&cli.StringFlag{Name: "field", Required: true, Usage: "Form field"},
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "photo|audio (default: from content type)"},
			&cli.StringFlag{Name: "content-type", Usage: "MIME type (default: detected)"},
			&cli.Float64Flag{Name: "lat", Usage: "Latitude"},
			&cli.Float64Flag{Name: "lng", Usage: "Longitude"},
			&cli.Float64Flag{Name: "accuracy", Usage: "Location accuracy in meters"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one file is required"))
			}
			path := c.Args().First()
			payload, err := readFileLimited(path, maxMediaBytes)
			if err != nil {
				return outputError(err)
			}

			input := ops.CaptureInput{
				Kind:        media.Kind(c.String("kind")),
				Payload:     payload,
				Filename:    filepath.Base(path),
				ContentType: c.String("content-type"),
				Section:     c.String("section"),
				Field:       c.String("field"),
			}
			if c.IsSet("lat") != c.IsSet("lng") {
				return outputError(errors.NewInvalidRequest("lat and lng must be given together"))
			}
			if c.IsSet("lat") {
				input.Geo = &media.GeoPoint{
					Lat:      c.Float64("lat"),
					Lng:      c.Float64("lng"),
					Accuracy: c.Float64("accuracy"),
				}
			}
			if info, err := os.Stat(path); err == nil {
				input.CapturedAt = info.ModTime()
			}

			output, err := svc.CaptureMedia(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// submitCmd creates the submit command.
func submitCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Queue the draft for the backend and sync if online (optionally reads a final snapshot from stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the final snapshot from a file"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			snapshot, err := readInput(c, maxSnapshotBytes)
			if err != nil {
				return outputError(err)
			}
			output, err := svc.Submit(c.Context, ops.SubmitInput{Snapshot: snapshot})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// newCmd creates the new command.
func newCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "new",
		Usage: "Start a new survey; media of the previous one stay queued",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Discard unsubmitted edits of the current draft"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.StartNewSurvey(c.Context, ops.NewSurveyInput{Force: c.Bool("force")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// targetFlags address an existing record by remote id or by local draft id.
func targetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "record-id", Aliases: []string{"r"}, Usage: "Remote record id"},
		&cli.StringFlag{Name: "draft-id", Aliases: []string{"d"}, Usage: "Local draft id of a submitted survey"},
	}
}

// updateCmd creates the update command.
func updateCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Queue a full replacement of a submitted survey (reads JSON from stdin or --file)",
		Flags: append(targetFlags(),
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the payload from a file"},
		),
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			payload, err := readInput(c, maxSnapshotBytes)
			if err != nil {
				return outputError(err)
			}
			output, err := svc.Update(c.Context, ops.UpdateInput{
				RecordID: c.String("record-id"),
				DraftID:  c.String("draft-id"),
				Payload:  payload,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// deleteCmd creates the delete command.
func deleteCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Queue the removal of a submitted survey",
		Flags: targetFlags(),
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.Delete(c.Context, ops.DeleteInput{
				RecordID: c.String("record-id"),
				DraftID:  c.String("draft-id"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// syncCmd creates the sync command.
func syncCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Drain the queue now",
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.TriggerSync(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// pendingCmd creates the pending command.
func pendingCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "Print the number of queued items",
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			n, err := svc.PendingCount(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]int{"pending": n})
		}),
	}
}

// queueCmd creates the queue command.
func queueCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "List queued items in dispatch order",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Filter by status: pending|failed"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultQueueLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			input := ops.ListQueueInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			}
			if s := c.String("status"); s != "" {
				status, err := parseStatus(s)
				if err != nil {
					return outputError(err)
				}
				input.Status = &status
			}

			output, err := svc.ListQueue(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// retryCmd creates the retry command.
func retryCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "Give failed items a fresh retry budget and drain",
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.RetryFailed(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// statusCmd creates the status command.
func statusCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show draft, queue, media and sync state",
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.Status(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// exportCmd creates the export command.
func exportCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Back up the local store to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.fieldbook/exports/<namespace>-<timestamp>.jsonl)"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.Export(c.Context, ops.ExportInput{Path: c.String("path")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// importCmd creates the import command.
func importCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Restore the local store from a JSONL backup",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|skip"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.Import(c.Context, ops.ImportInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// purgeCmd creates the purge command.
func purgeCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Permanently delete the queue, media, draft and session of the namespace",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "confirm", Usage: "Required; unsynced work is lost"},
		},
		Action: serviceAction(e, func(c *cli.Context, svc *ops.Service) error {
			output, err := svc.Purge(c.Context, ops.PurgeInput{Confirm: c.Bool("confirm")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		}),
	}
}

// serveCmd creates the serve command.
func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync engine with a local web dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 8740, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			logger, closer := e.newLogger(c.String("log-level"))
			defer closer.Close()

			rt, err := e.startRuntime(logger)
			if err != nil {
				return outputError(err)
			}
			defer rt.stop()

			srv, err := web.NewServer(rt.svc, logger, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(err)
			}
			return web.Run(c.Context, srv, logger)
		},
	}
}

// watchCmd creates the watch command.
func watchCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run the sync engine and ingest drafts and media dropped into the inbox",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Inbox directory (default: inbox_dir from config)"},
			&cli.DurationFlag{Name: "debounce", Value: inbox.DefaultDebounce, Usage: "Quiet period before a file is read"},
		},
		Action: func(c *cli.Context) error {
			logger, closer := e.newLogger(c.String("log-level"))
			defer closer.Close()

			rt, err := e.startRuntime(logger)
			if err != nil {
				return outputError(err)
			}
			defer rt.stop()

			dir := c.String("dir")
			if dir == "" {
				dir = e.cfg.ResolveInboxDir(e.baseDir)
			}
			w := inbox.New(dir, rt.svc, inbox.Options{
				Debounce: c.Duration("debounce"),
				Logger:   logger,
			})

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}
}

// mockBackendCmd creates the mock-backend command.
func mockBackendCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "mock-backend",
		Usage: "Serve an in-memory survey backend with fault injection, for rehearsals",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8741", Usage: "Address to listen on"},
		},
		Action: func(c *cli.Context) error {
			logger, closer := e.newLogger(c.String("log-level"))
			defer closer.Close()

			srv := mockremote.New(logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(c.String("addr")) }()
			logging.Component(logger, "mockremote").Infof("mock backend listening on http://%s", c.String("addr"))

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// Helper functions

// outputJSON marshals result to the app's writer as JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var fbErr *errors.FieldbookError
	if stderrors.As(err, &fbErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", fbErr.Code, fbErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// readInput returns the --file contents, or stdin when it is piped.
// Nothing piped yields nil.
func readInput(c *cli.Context, limit int64) ([]byte, error) {
	if path := c.String("file"); path != "" {
		data, err := readFileLimited(path, limit)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(data), nil
	}
	if f, ok := c.App.Reader.(*os.File); ok && !stdinHasData(f) {
		return nil, nil
	}
	return readLimited(c.App.Reader, limit)
}

// stdinHasData returns true if f has piped data (not a terminal).
func stdinHasData(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readLimited reads all of r, failing if it holds more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if int64(len(data)) > limit {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("input exceeds %d bytes", limit))
	}
	return bytes.TrimSpace(data), nil
}

func readFileLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, errors.NewInvalidRequest(err.Error())
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if int64(len(data)) > limit {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("%s exceeds %d bytes", filepath.Base(path), limit))
	}
	return data, nil
}

// parseStatus validates a queue status filter.
func parseStatus(s string) (queue.Status, error) {
	switch status := queue.Status(s); status {
	case queue.StatusPending, queue.StatusFailed:
		return status, nil
	}
	return "", errors.NewInvalidRequest("status must be one of: pending, failed")
}
