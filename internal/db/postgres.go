package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pod_queue_store (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, key)
)`

// PostgresStore keeps the queue in a shared Postgres table, for depots where
// several terminals capture PODs against one database
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	logger    *slog.Logger
}

func NewPostgresStore(ctx context.Context, connString, namespace string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = infra.DiscardLogger()
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	if _, err := p.Exec(ctx, postgresSchema); err != nil {
		p.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}

	logger.Info("Connected to Postgres queue store", "namespace", namespace)

	return &PostgresStore{pool: p, namespace: namespace, logger: logger}, nil
}

func (r *PostgresStore) Get(ctx context.Context, key string) ([]models.QueueItem, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM pod_queue_store WHERE namespace = $1 AND key = $2`,
		r.namespace, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", r.namespace, key, err)
	}

	items, err := decodeItems(raw)
	if err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func (r *PostgresStore) Set(ctx context.Context, key string, items []models.QueueItem) error {
	raw, err := encodeItems(items)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pod_queue_store (namespace, key, value, updated_at)
		VALUES ($1, $2, $3::jsonb, CURRENT_TIMESTAMP)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.pool.Exec(ctx, query, r.namespace, key, string(raw)); err != nil {
		return fmt.Errorf("write %s/%s: %w", r.namespace, key, err)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE. The row is created empty
// first so there is always something to lock, even for the first writer.
func (r *PostgresStore) Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin postgres transaction: %w", err)
	}
	// Rollback is a no-op after Commit
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `
		INSERT INTO pod_queue_store (namespace, key, value)
		VALUES ($1, $2, '[]'::jsonb)
		ON CONFLICT (namespace, key) DO NOTHING`,
		r.namespace, key,
	); err != nil {
		return nil, fmt.Errorf("seed %s/%s: %w", r.namespace, key, err)
	}

	var raw []byte
	if err := tx.QueryRow(ctx,
		`SELECT value FROM pod_queue_store WHERE namespace = $1 AND key = $2 FOR UPDATE`,
		r.namespace, key,
	).Scan(&raw); err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", r.namespace, key, err)
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

	if _, err := tx.Exec(ctx,
		`UPDATE pod_queue_store SET value = $3::jsonb, updated_at = CURRENT_TIMESTAMP WHERE namespace = $1 AND key = $2`,
		r.namespace, key, string(encoded),
	); err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", r.namespace, key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s/%s: %w", r.namespace, key, err)
	}
	return next, nil
}

func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}
