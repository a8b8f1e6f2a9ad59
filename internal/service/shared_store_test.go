package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/canhoto-sync/internal/db"
	"github.com/Guizzs26/canhoto-sync/internal/models"
)

func openSharedSQLite(t *testing.T, path string) *db.SQLiteStore {
	t.Helper()
	store, err := db.NewSQLiteStore(path, "canhoto-queue", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// interleavingStore runs before once, on the first update, ahead of the
// caller's mutation
type interleavingStore struct {
	*db.SQLiteStore
	once   sync.Once
	before func()
}

func (s *interleavingStore) Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	return s.SQLiteStore.Update(ctx, key, func(items []models.QueueItem) ([]models.QueueItem, error) {
		s.once.Do(s.before)
		return fn(items)
	})
}

func TestEnqueueFromAnotherProcessDuringReplayPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	cli := newTestQueue(openSharedSQLite(t, path), &fakeSubmitter{})
	enqueueAll(t, cli, "D1")

	enqueued := make(chan error, 1)
	daemonStore := &interleavingStore{
		SQLiteStore: openSharedSQLite(t, path),
		before: func() {
			go func() {
				_, err := cli.Enqueue(ctx, "D2", models.Payload{Status: models.StatusDelivered})
				enqueued <- err
			}()
			// give the other writer time to reach the store lock
			time.Sleep(100 * time.Millisecond)
		},
	}
	daemon := NewQueue(daemonStore, &fakeSubmitter{}, fixedCollector{},
		WithIDGenerator(func() string { return "daemon-id" }))

	report, err := daemon.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("enqueue from the second handle never finished")
	}

	items, err := cli.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "D2", items[0].DeliveryID)
}

func TestConcurrentEnqueueAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	a := newTestQueue(openSharedSQLite(t, path), &fakeSubmitter{}, WithIDGenerator(prefixedIDs("a")))
	b := newTestQueue(openSharedSQLite(t, path), &fakeSubmitter{}, WithIDGenerator(prefixedIDs("b")))

	const perWriter = 10
	var wg sync.WaitGroup
	for _, q := range []*Queue{a, b} {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := q.Enqueue(ctx, fmt.Sprintf("D%d", i), models.Payload{Status: models.StatusDelivered})
				assert.NoError(t, err)
			}
		}(q)
	}
	wg.Wait()

	count, err := a.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*perWriter, count)
}

func prefixedIDs(prefix string) func() string {
	next := sequentialIDs()
	return func() string { return prefix + "-" + next() }
}
