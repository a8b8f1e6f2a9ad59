package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/canhoto-sync/internal/db"
	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/remote"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []remote.Submission
	fail  map[string]error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub remote.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sub)
	if err, ok := f.fail[sub.DeliveryID]; ok {
		return err
	}
	return nil
}

func (f *fakeSubmitter) Calls() []remote.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Submission(nil), f.calls...)
}

type fixedCollector struct{}

func (fixedCollector) Collect(source string) models.ClientMeta {
	return models.ClientMeta{Source: source, Timestamp: "2025-01-02T10:05:00.000Z", UserAgent: "test"}
}

type brokenStore struct {
	getErr error
	setErr error
}

func (b brokenStore) Get(context.Context, string) ([]models.QueueItem, bool, error) {
	return nil, false, b.getErr
}

func (b brokenStore) Update(context.Context, string, func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	return nil, b.setErr
}

type recordingSyncer struct {
	calls chan struct{}
	err   error
}

func (r *recordingSyncer) RequestSync(context.Context) error {
	r.calls <- struct{}{}
	return r.err
}

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("item-%d", n.Add(1)) }
}

func newTestQueue(store Store, sub Submitter, opts ...Option) *Queue {
	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	return NewQueue(store, sub, fixedCollector{}, opts...)
}

func TestEnqueueFoldsLegacyImageOnce(t *testing.T) {
	store := db.NewMemoryStore()
	q := newTestQueue(store, &fakeSubmitter{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "D1", models.Payload{
		Status: models.StatusDelivered,
		Image:  "data:image/jpeg;base64,QkI=",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/jpeg;base64,QkI="}, item.Payload.Images)
	assert.Empty(t, item.Payload.Image)

	stored, found, err := store.Get(ctx, QueueKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"data:image/jpeg;base64,QkI="}, stored[0].Payload.Images)
	assert.Empty(t, stored[0].Payload.Image)
}

func TestEnqueueStampsItem(t *testing.T) {
	now := time.Date(2025, 1, 2, 7, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{}, WithClock(func() time.Time { return now }))

	item, err := q.Enqueue(context.Background(), "  D7 ", models.Payload{Status: models.StatusPartial})
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "D7", item.DeliveryID)
	assert.Equal(t, models.CurrentSchemaVersion, item.SchemaVersion)
	assert.True(t, item.CreatedAt.Equal(now))
	assert.Equal(t, time.UTC, item.CreatedAt.Location())
}

func TestEnqueueRejectsEmptyDelivery(t *testing.T) {
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{})
	_, err := q.Enqueue(context.Background(), " ", models.Payload{})
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestEnqueueAppendsInOrder(t *testing.T) {
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{})
	ctx := context.Background()

	for _, id := range []string{"D1", "D2", "D3"} {
		_, err := q.Enqueue(ctx, id, models.Payload{Status: models.StatusDelivered})
		require.NoError(t, err)
	}

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "D1", items[0].DeliveryID)
	assert.Equal(t, "D2", items[1].DeliveryID)
	assert.Equal(t, "D3", items[2].DeliveryID)
}

func TestPendingCountIsStable(t *testing.T) {
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{})
	ctx := context.Background()

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = q.Enqueue(ctx, "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)

	first, err := q.PendingCount(ctx)
	require.NoError(t, err)
	second, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, first, second)
}

func TestPendingCountSeesOtherWriters(t *testing.T) {
	store := db.NewMemoryStore()
	a := newTestQueue(store, &fakeSubmitter{})
	b := newTestQueue(store, &fakeSubmitter{})
	ctx := context.Background()

	_, err := a.Enqueue(ctx, "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)

	count, err := b.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPersistenceFailuresSurface(t *testing.T) {
	ctx := context.Background()

	writeFail := newTestQueue(brokenStore{setErr: errors.New("disk full")}, &fakeSubmitter{})
	var notified atomic.Int32
	writeFail.Subscribe(func(int) { notified.Add(1) })

	_, err := writeFail.Enqueue(ctx, "D1", models.Payload{Status: models.StatusDelivered})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Zero(t, notified.Load(), "no notification for a failed write")

	readFail := newTestQueue(brokenStore{getErr: errors.New("corrupt")}, &fakeSubmitter{})
	_, err = readFail.PendingCount(ctx)
	assert.ErrorIs(t, err, ErrPersistence)

	_, err = readFail.Replay(ctx)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestSubscribersReceiveCounts(t *testing.T) {
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int
	unsubscribe := q.Subscribe(func(count int) {
		mu.Lock()
		seen = append(seen, count)
		mu.Unlock()
	})

	_, err := q.Enqueue(ctx, "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "D2", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)
	_, err = q.Replay(ctx)
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()

	_, err = q.Enqueue(ctx, "D3", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 0}, seen)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{})

	var called atomic.Int32
	q.Subscribe(func(int) { panic("boom") })
	q.Subscribe(func(count int) { called.Store(int32(count)) })

	_, err := q.Enqueue(context.Background(), "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, int32(1), called.Load())
}

func TestEnqueueRequestsSyncWithoutBlocking(t *testing.T) {
	syncer := &recordingSyncer{calls: make(chan struct{}, 1), err: errors.New("unsupported")}
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{})
	q.SetSyncRequester(syncer)

	_, err := q.Enqueue(context.Background(), "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err, "registration failures never fail the enqueue")

	select {
	case <-syncer.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sync was not requested")
	}
}
