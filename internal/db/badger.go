package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

// queueRecord is the badgerhold value stored under each key
type queueRecord struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// BadgerStore keeps the queue in an embedded Badger directory dedicated to one
// namespace. Badger holds an exclusive directory lock, so only one process can
// open it at a time.
type BadgerStore struct {
	store  *badgerhold.Store
	dir    string
	logger *slog.Logger
}

func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", dir, err)
	}

	logger.Debug("Badger queue store ready", "path", dir)

	return &BadgerStore{store: store, dir: dir, logger: logger}, nil
}

func (b *BadgerStore) Get(ctx context.Context, key string) ([]models.QueueItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var rec queueRecord
	err := b.store.Get(key, &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}

	items, err := decodeItems(rec.Value)
	if err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func (b *BadgerStore) Set(ctx context.Context, key string, items []models.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := encodeItems(items)
	if err != nil {
		return err
	}

	rec := queueRecord{Key: key, Value: raw, UpdatedAt: time.Now().UTC()}
	if err := b.store.Upsert(key, &rec); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

const badgerUpdateAttempts = 5

// Update runs inside one badger read-write transaction. Badger detects concurrent
// commits on the same key and reports ErrConflict, in which case the whole
// transaction is retried.
func (b *BadgerStore) Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	var next []models.QueueItem
	var err error
	for attempt := 0; attempt < badgerUpdateAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = b.store.Badger().Update(func(tx *badger.Txn) error {
			var rec queueRecord
			getErr := b.store.TxGet(tx, key, &rec)
			if getErr != nil && !errors.Is(getErr, badgerhold.ErrNotFound) {
				return fmt.Errorf("read %s: %w", key, getErr)
			}

			current, decErr := decodeItems(rec.Value)
			if decErr != nil {
				return decErr
			}
			updated, fnErr := fn(current)
			if fnErr != nil {
				return fnErr
			}
			raw, encErr := encodeItems(updated)
			if encErr != nil {
				return encErr
			}

			rec = queueRecord{Key: key, Value: raw, UpdatedAt: time.Now().UTC()}
			if putErr := b.store.TxUpsert(tx, key, &rec); putErr != nil {
				return fmt.Errorf("write %s: %w", key, putErr)
			}
			next = updated
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (b *BadgerStore) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
