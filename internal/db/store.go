package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/Guizzs26/canhoto-sync/internal/models"
)

// QueueStore is a namespaced key/value store holding whole queue sequences.
// Set replaces the value for key atomically. Update runs a read-modify-write
// that no other writer, in this process or another one, can interleave with.
// When fn returns an error nothing is written.
type QueueStore interface {
	Get(ctx context.Context, key string) ([]models.QueueItem, bool, error)
	Set(ctx context.Context, key string, items []models.QueueItem) error
	Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error)
	Close() error
}

// Options selects and configures a QueueStore backend
type Options struct {
	Driver      string // sqlite, badger, postgres, firebird, memory
	Path        string
	Namespace   string
	DatabaseURL string
	FirebirdURL string
}

// Open connects to the backend named by opts.Driver
func Open(ctx context.Context, opts Options, logger *slog.Logger) (QueueStore, error) {
	if strings.TrimSpace(opts.Namespace) == "" {
		return nil, fmt.Errorf("store namespace is required")
	}

	switch strings.ToLower(opts.Driver) {
	case "", "sqlite":
		return NewSQLiteStore(filepath.Join(opts.Path, "queue.db"), opts.Namespace, logger)
	case "badger":
		return NewBadgerStore(filepath.Join(opts.Path, opts.Namespace), logger)
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.Namespace, logger)
	case "firebird":
		return NewFirebirdStore(ctx, opts.FirebirdURL, opts.Namespace, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func encodeItems(items []models.QueueItem) ([]byte, error) {
	if items == nil {
		items = []models.QueueItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}
	return b, nil
}

func decodeItems(b []byte) ([]models.QueueItem, error) {
	var items []models.QueueItem
	if len(b) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return items, nil
}
