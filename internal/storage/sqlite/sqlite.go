// Package sqlite provides the default zero-config storage backend. It uses
// the pure Go SQLite driver, so the binary stays CGO-free.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/oryxsec/scanengine/internal/storage"
	pgstore "github.com/oryxsec/scanengine/internal/storage/postgres"
)

// Config holds SQLite settings.
type Config struct {
	// Path is the database file. The parent directory is created if missing.
	Path string

	// JournalMode defaults to WAL.
	JournalMode string
}

// Store is the SQLite-backed storage.Store.
type Store struct {
	db     *gorm.DB
	scans  storage.ScanStore
	logger *slog.Logger
}

// Open opens or creates the SQLite database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: creating data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.JournalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(slogAdapter{logger: logger}, gormlogger.Config{
			SlowThreshold: 500 * time.Millisecond,
			LogLevel:      gormlogger.Warn,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent scans.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Info("opened sqlite database",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", cfg.JournalMode),
	)

	return &Store{
		db:     db,
		scans:  pgstore.NewScanRepository(db),
		logger: logger,
	}, nil
}

func (s *Store) Scans() storage.ScanStore { return s.scans }

func (s *Store) Migrate(ctx context.Context) error {
	if err := pgstore.Migrate(ctx, s.db); err != nil {
		return fmt.Errorf("sqlite: migrating schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

// slogAdapter bridges GORM's Printf-style logger onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}
