package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// SQLiteStore persists the queue in a local SQLite file. It is safe to share the
// file between syncd and podctl.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	path      string
	logger    *slog.Logger
}

func NewSQLiteStore(path, namespace string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection so the per-connection pragmas below hold for every query
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	logger.Debug("SQLite queue store ready", "path", path, "namespace", namespace)

	return &SQLiteStore{db: db, namespace: namespace, path: path, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]models.QueueItem, bool, error) {
	var raw []byte
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`,
			s.namespace, key,
		).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", s.namespace, key, err)
	}

	items, err := decodeItems(raw)
	if err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, items []models.QueueItem) error {
	raw, err := encodeItems(items)
	if err != nil {
		return err
	}

	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (namespace, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (namespace, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			s.namespace, key, raw, time.Now().UTC().Format(time.RFC3339Nano),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Update holds the database write lock from the read to the write. BEGIN
// IMMEDIATE takes it up front, so a concurrent writer in another process waits
// on busy_timeout instead of failing the upgrade from a read transaction.
func (s *SQLiteStore) Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	defer conn.Close()

	if err := retryOnBusy(ctx, func() error {
		_, execErr := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		return execErr
	}); err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", s.namespace, key, err)
	}

	committed := false
	defer func() {
		if !committed {
			if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
				s.logger.Warn("SQLite rollback failed", "key", key, "error", rbErr)
			}
		}
	}()

	var raw []byte
	err = conn.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s/%s: %w", s.namespace, key, err)
	}

	current, err := decodeItems(raw)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeItems(next)
	if err != nil {
		return nil, err
	}

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO kv_store (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		s.namespace, key, encoded, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", s.namespace, key, err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("commit %s/%s: %w", s.namespace, key, err)
	}
	committed = true
	return next, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
