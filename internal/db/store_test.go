package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/canhoto-sync/internal/models"
)

const testKey = "pod-queue"

func sampleItems() []models.QueueItem {
	created := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	return []models.QueueItem{
		{
			ID:            "a",
			DeliveryID:    "D1",
			CreatedAt:     created,
			SchemaVersion: models.CurrentSchemaVersion,
			Payload: models.Payload{
				Status:    models.StatusDelivered,
				SignedAt:  "2025-03-04T12:00:00Z",
				Location:  models.NewLocation(-46.63, -23.55),
				Signature: "data:image/png;base64,QQ==",
			},
		},
		{
			ID:            "b",
			DeliveryID:    "D2",
			CreatedAt:     created.Add(time.Minute),
			SchemaVersion: models.CurrentSchemaVersion,
			Payload: models.Payload{
				Status:       models.StatusPartial,
				Observations: "Faltou uma caixa",
				Images:       []string{"data:image/jpeg;base64,QUI="},
			},
		},
	}
}

// exerciseStore runs the contract every backend must satisfy
func exerciseStore(t *testing.T, store QueueStore) {
	t.Helper()
	ctx := context.Background()

	items, found, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, items)

	want := sampleItems()
	require.NoError(t, store.Set(ctx, testKey, want))

	got, found, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// full-sequence replace
	require.NoError(t, store.Set(ctx, testKey, want[1:]))
	got, _, err = store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, want[1:], got)

	require.NoError(t, store.Set(ctx, testKey, nil))
	got, found, err = store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, got)

	// read-modify-write sees the stored value and persists the result
	next, err := store.Update(ctx, testKey, func(current []models.QueueItem) ([]models.QueueItem, error) {
		assert.Empty(t, current)
		return append(current, want[0]), nil
	})
	require.NoError(t, err)
	assert.Equal(t, want[:1], next)

	_, err = store.Update(ctx, testKey, func(current []models.QueueItem) ([]models.QueueItem, error) {
		require.Len(t, current, 1)
		return nil, errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	got, _, err = store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, want[:1], got, "an aborted update writes nothing")

	_, err = store.Update(ctx, "fresh-key", func(current []models.QueueItem) ([]models.QueueItem, error) {
		assert.Empty(t, current)
		return want, nil
	})
	require.NoError(t, err)
	got, found, err = store.Get(ctx, "fresh-key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

var errAbort = errors.New("abort")

func exerciseConcurrentUpdates(t *testing.T, stores ...QueueStore) {
	t.Helper()
	ctx := context.Background()

	const perStore = 10
	var wg sync.WaitGroup
	for si, store := range stores {
		wg.Add(1)
		go func(si int, store QueueStore) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				_, err := store.Update(ctx, testKey, func(current []models.QueueItem) ([]models.QueueItem, error) {
					return append(current, models.QueueItem{ID: fmt.Sprintf("%d-%d", si, i), DeliveryID: "D"}), nil
				})
				assert.NoError(t, err)
			}
		}(si, store)
	}
	wg.Wait()

	got, _, err := stores[0].Get(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, got, perStore*len(stores))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	items := sampleItems()
	require.NoError(t, store.Set(ctx, testKey, items))

	items[0].DeliveryID = "mutated"

	got, _, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "D1", got[0].DeliveryID)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"), "canhoto-queue", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestSQLiteStoreUpdatesAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	a, err := NewSQLiteStore(path, "canhoto-queue", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewSQLiteStore(path, "canhoto-queue", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exerciseConcurrentUpdates(t, a, b)
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	store := NewMemoryStore()
	exerciseConcurrentUpdates(t, store, store)
}

func TestSQLiteStoreNamespacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	a, err := NewSQLiteStore(path, "canhoto-queue", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewSQLiteStore(path, "other-app", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Set(ctx, testKey, sampleItems()))

	_, found, err := b.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path, "canhoto-queue", nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, testKey, sampleItems()))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path, "canhoto-queue", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, found, err := second.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, got, 2)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "canhoto-queue"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Options{Driver: "memory", Namespace: "canhoto-queue"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(ctx, Options{Driver: "sqlite", Path: t.TempDir(), Namespace: "canhoto-queue"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, Options{Driver: "mongo", Namespace: "canhoto-queue"}, nil)
	assert.Error(t, err)

	_, err = Open(ctx, Options{Driver: "memory"}, nil)
	assert.Error(t, err)
}
