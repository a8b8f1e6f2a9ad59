package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"

	_ "github.com/nakagami/firebirdsql"
)

// Firebird 2.5 has no CREATE TABLE IF NOT EXISTS, so existence is checked first
const (
	firebirdTableExists = `SELECT COUNT(*) FROM RDB$RELATIONS WHERE RDB$RELATION_NAME = 'POD_QUEUE_STORE'`
	firebirdSchema      = `
CREATE TABLE POD_QUEUE_STORE (
	NAMESPACE   VARCHAR(64) NOT NULL,
	STORE_KEY   VARCHAR(64) NOT NULL,
	STORE_VALUE BLOB SUB_TYPE 0 NOT NULL,
	UPDATED_AT  TIMESTAMP NOT NULL,
	CONSTRAINT PK_POD_QUEUE_STORE PRIMARY KEY (NAMESPACE, STORE_KEY)
)`
)

// FirebirdStore keeps the queue on the branch-level Firebird server. The value is
// a binary BLOB so the database charset never touches the JSON.
type FirebirdStore struct {
	db        *sql.DB
	namespace string
	logger    *slog.Logger
}

func NewFirebirdStore(ctx context.Context, connString, namespace string, logger *slog.Logger) (*FirebirdStore, error) {
	if logger == nil {
		logger = infra.DiscardLogger()
	}

	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("open firebird connection: %w", err)
	}

	// Connection pool settings for legacy servers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	s := &FirebirdStore{db: db, namespace: namespace, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Connected to Firebird queue store", "namespace", namespace)
	return s, nil
}

func (s *FirebirdStore) ensureSchema(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, firebirdTableExists).Scan(&count); err != nil {
		return fmt.Errorf("inspect firebird schema: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, firebirdSchema); err != nil {
		return fmt.Errorf("create POD_QUEUE_STORE: %w", err)
	}
	s.logger.Info("Created POD_QUEUE_STORE table")
	return nil
}

func (s *FirebirdStore) Get(ctx context.Context, key string) ([]models.QueueItem, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowContext(opCtx,
		`SELECT STORE_VALUE FROM POD_QUEUE_STORE WHERE NAMESPACE = ? AND STORE_KEY = ?`,
		s.namespace, key,
	).Scan(&raw)
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

func (s *FirebirdStore) Set(ctx context.Context, key string, items []models.QueueItem) error {
	raw, err := encodeItems(items)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin firebird transaction: %w", err)
	}
	// Rollback is a no-op after Commit
	defer tx.Rollback()

	_, err = tx.ExecContext(opCtx, `
		UPDATE OR INSERT INTO POD_QUEUE_STORE (NAMESPACE, STORE_KEY, STORE_VALUE, UPDATED_AT)
		VALUES (?, ?, ?, ?)
		MATCHING (NAMESPACE, STORE_KEY)`,
		s.namespace, key, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", s.namespace, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

const firebirdUpdateAttempts = 3

// Update locks the row with SELECT ... WITH LOCK. Read committed transactions
// that lose a race on the row get an update conflict and start over.
func (s *FirebirdStore) Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	var lastErr error
	for attempt := 0; attempt < firebirdUpdateAttempts; attempt++ {
		next, err := s.updateOnce(ctx, key, fn)
		if err == nil || !isFirebirdConflict(err) {
			return next, err
		}
		lastErr = err
		s.logger.Debug("Firebird update conflict, retrying", "key", key, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (s *FirebirdStore) updateOnce(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin firebird transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(opCtx, `
		MERGE INTO POD_QUEUE_STORE t
		USING (SELECT CAST(? AS VARCHAR(64)) AS NS, CAST(? AS VARCHAR(64)) AS K FROM RDB$DATABASE) src
		ON t.NAMESPACE = src.NS AND t.STORE_KEY = src.K
		WHEN NOT MATCHED THEN
			INSERT (NAMESPACE, STORE_KEY, STORE_VALUE, UPDATED_AT) VALUES (src.NS, src.K, ?, ?)`,
		s.namespace, key, []byte("[]"), time.Now(),
	); err != nil {
		return nil, fmt.Errorf("seed %s/%s: %w", s.namespace, key, err)
	}

	var raw []byte
	if err := tx.QueryRowContext(opCtx,
		`SELECT STORE_VALUE FROM POD_QUEUE_STORE WHERE NAMESPACE = ? AND STORE_KEY = ? WITH LOCK`,
		s.namespace, key,
	).Scan(&raw); err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", s.namespace, key, err)
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

	if _, err := tx.ExecContext(opCtx,
		`UPDATE POD_QUEUE_STORE SET STORE_VALUE = ?, UPDATED_AT = ? WHERE NAMESPACE = ? AND STORE_KEY = ?`,
		encoded, time.Now(), s.namespace, key,
	); err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", s.namespace, key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s/%s: %w", s.namespace, key, err)
	}
	return next, nil
}

func isFirebirdConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "update conflicts") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "violation of primary or unique key")
}

func (s *FirebirdStore) Close() error {
	s.logger.Info("Closing Firebird connection pool")
	return s.db.Close()
}
