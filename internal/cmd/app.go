package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/logging"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/secret"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/storage"
)

// app holds the process-wide components shared by all commands.
type app struct {
	settings *config.Settings
	logger   *slog.Logger
	store    *storage.SQLiteStorage
	sessions *session.Store
	closers  []io.Closer
}

// openApp sets up logging, the at-rest key and the database.
func openApp(settings *config.Settings) (*app, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(settings.LogLevel)
	logCfg.FilePath = settings.LogFile
	logger, logCloser, err := logging.NewLogger(*logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	a := &app{settings: settings, logger: logger, closers: []io.Closer{logCloser}}

	key, err := secret.LoadOrCreateKey(settings.SecretKeyFile)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	sealer, err := secret.NewSealer(key)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	// Create database directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(settings.DatabasePath), 0750); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.NewSQLiteStorage(settings.DatabasePath)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	store.SetSealer(sealer)

	a.store = store
	a.sessions = session.NewStore(store, sealer)
	// store closes before the log file
	a.closers = append([]io.Closer{store}, a.closers...)
	return a, nil
}

func (a *app) coordinator() *crawler.Coordinator {
	return crawler.NewCoordinator(a.store, a.sessions, crawler.Options{
		RobotsCacheTTL: a.settings.Crawler.RobotsCacheTTL,
		Logger:         a.logger,
	})
}

// Close releases the database and log file.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
