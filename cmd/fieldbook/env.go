package main

import (
	"context"
	"database/sql"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/config"
	"github.com/hpungsan/fieldbook/internal/connectivity"
	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/ops"
	"github.com/hpungsan/fieldbook/internal/remote"
)

// env holds what every command needs: the data directory, the merged config
// and the open database. Tests fill it in directly.
type env struct {
	baseDir string
	cfg     *config.Config
	db      *sql.DB

	// logOut receives logs when no log file is configured. Defaults to stderr.
	logOut io.Writer
}

// open loads config and the database under baseDir, unless already set.
func (e *env) open(baseDir string) error {
	if e.db != nil {
		return nil
	}
	cfg, err := openConfig(baseDir)
	if err != nil {
		return err
	}
	database, err := openDB(baseDir, cfg)
	if err != nil {
		return err
	}
	e.baseDir, e.cfg, e.db = baseDir, cfg, database
	return nil
}

func (e *env) close() {
	if e.db != nil {
		e.db.Close()
	}
}

// newLogger builds the process logger. An empty level uses the configured one.
func (e *env) newLogger(level string) (*logrus.Logger, io.Closer) {
	if level == "" {
		level = e.cfg.LogLevel
	}
	return logging.New(logging.Options{
		Level:   level,
		File:    e.cfg.LogFile,
		BaseDir: e.baseDir,
		Output:  e.logOut,
	})
}

// newService wires the stores, and the backend client when remote_url is set.
func (e *env) newService(logger logrus.FieldLogger) (*ops.Service, *remote.Client, error) {
	var client *remote.Client
	deps := ops.Deps{
		Config:  e.cfg,
		KV:      db.NewKV(e.db, e.cfg.Namespace),
		BaseDir: e.baseDir,
		Logger:  logger,
	}
	if e.cfg.RemoteURL != "" {
		var err error
		client, err = remote.NewClient(e.cfg.RemoteURL, e.cfg.RequestTimeout())
		if err != nil {
			return nil, nil, err
		}
		deps.Backend = client
	}
	return ops.New(deps), client, nil
}

// daemon is a service with its engine and connectivity prober running.
type daemon struct {
	svc    *ops.Service
	prober *connectivity.Prober
	cancel context.CancelFunc
}

// startRuntime builds a service for a long-running mode. With a backend, the
// prober drives the connectivity monitor and the engine drains on each
// offline-to-online edge.
func (e *env) startRuntime(logger logrus.FieldLogger) (*daemon, error) {
	svc, client, err := e.newService(logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &daemon{svc: svc, cancel: cancel}

	if client != nil {
		rt.prober = connectivity.NewProber(client, svc.Monitor(), connectivity.ProberConfig{
			Interval: e.cfg.ProbeInterval(),
			Logger:   logger,
		})
		// Learn the real state before the engine's startup pass.
		rt.prober.ProbeOnce(ctx)
		rt.prober.Start(ctx)
	} else {
		logger.Warn("no remote_url configured; surveys are kept on this device only")
	}
	svc.Start(ctx)
	return rt, nil
}

func (rt *daemon) stop() {
	if rt.prober != nil {
		rt.prober.Stop()
	}
	rt.svc.Stop()
	rt.cancel()
}
