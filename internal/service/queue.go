package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/remote"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

// QueueKey is the fixed key the POD sequence is stored under
const QueueKey = "pod-queue"

const syncRequestTimeout = 10 * time.Second

var (
	// ErrPersistence marks failures to read or write the durable store.
	// Callers should warn the user: the queued POD may not survive a restart.
	ErrPersistence = errors.New("queue persistence failed")
	ErrInvalidItem = errors.New("invalid queue item")
)

// Store is the durable key/value contract the queue is persisted through.
// Update must apply fn to the current sequence and write the result as one
// step that no other writer can interleave with, including other processes
// sharing the same store.
type Store interface {
	Get(ctx context.Context, key string) ([]models.QueueItem, bool, error)
	Update(ctx context.Context, key string, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error)
}

// Submitter delivers one POD to the remote service
type Submitter interface {
	Submit(ctx context.Context, sub remote.Submission) error
}

// MetadataCollector snapshots client context for a submission attempt
type MetadataCollector interface {
	Collect(source string) models.ClientMeta
}

// SyncRequester asks the platform to wake the replay later
type SyncRequester interface {
	RequestSync(ctx context.Context) error
}

// ReplayLock serializes replay passes across processes sharing one store
type ReplayLock interface {
	TryLock() (bool, error)
	Unlock() error
}

// Queue owns the persisted POD sequence, its subscribers and the replay pass
type Queue struct {
	store     Store
	submitter Submitter
	collector MetadataCollector
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	lock      ReplayLock
	online    func() bool

	subMu   sync.RWMutex
	subs    map[uint64]func(int)
	nextSub uint64

	syncMu sync.RWMutex
	syncer SyncRequester

	replayMu  sync.Mutex
	replaying bool
	rerun     bool
}

type Option func(*Queue)

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

func WithReplayLock(l ReplayLock) Option {
	return func(q *Queue) { q.lock = l }
}

// WithOnlineSignal lets Submit try the remote service before falling back to
// the queue. Without it every POD is queued.
func WithOnlineSignal(online func() bool) Option {
	return func(q *Queue) { q.online = online }
}

func WithSyncRequester(s SyncRequester) Option {
	return func(q *Queue) { q.syncer = s }
}

func NewQueue(store Store, submitter Submitter, collector MetadataCollector, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		submitter: submitter,
		collector: collector,
		logger:    infra.DiscardLogger(),
		now:       time.Now,
		newID:     uuid.NewString,
		subs:      make(map[uint64]func(int)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetSyncRequester installs the trigger coordinator after construction, since the
// coordinator itself needs the queue
func (q *Queue) SetSyncRequester(s SyncRequester) {
	q.syncMu.Lock()
	q.syncer = s
	q.syncMu.Unlock()
}

// Enqueue stores a POD for later delivery and returns the created item.
// The legacy single image is folded into Images here and nowhere else.
func (q *Queue) Enqueue(ctx context.Context, deliveryID string, p models.Payload) (models.QueueItem, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return models.QueueItem{}, fmt.Errorf("%w: delivery id is required", ErrInvalidItem)
	}

	item := models.QueueItem{
		ID:            q.newID(),
		DeliveryID:    deliveryID,
		CreatedAt:     q.now().UTC().Truncate(time.Millisecond),
		SchemaVersion: models.CurrentSchemaVersion,
		Payload:       p.Normalized(),
	}

	items, err := q.mutate(ctx, func(current []models.QueueItem) ([]models.QueueItem, error) {
		return append(current, item), nil
	})
	if err != nil {
		q.logger.Error("Failed to queue POD", "delivery_id", deliveryID, "error", err)
		return models.QueueItem{}, err
	}

	metrics.ItemsEnqueued.Inc()
	q.logger.Info("POD queued for later submission",
		"item_id", item.ID,
		"delivery_id", deliveryID,
		"photos", len(item.Payload.Images),
		"pending", len(items),
	)

	q.notify(len(items))
	q.requestSync(ctx)

	return item, nil
}

// PendingCount re-reads the store on every call so it reflects writes made by
// other processes
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	items, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Items returns the persisted sequence in enqueue order
func (q *Queue) Items(ctx context.Context) ([]models.QueueItem, error) {
	return q.load(ctx)
}

// Subscribe registers fn to receive the queue length after every successful
// mutation. The returned function removes it and may be called more than once.
func (q *Queue) Subscribe(fn func(count int)) (unsubscribe func()) {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.subMu.Lock()
			delete(q.subs, id)
			q.subMu.Unlock()
		})
	}
}

func (q *Queue) notify(count int) {
	q.subMu.RLock()
	subs := make([]func(int), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.subMu.RUnlock()

	for _, fn := range subs {
		q.invoke(fn, count)
	}
}

// invoke isolates one subscriber so a panic cannot skip the others
func (q *Queue) invoke(fn func(int), count int) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("Queue subscriber panicked", "panic", r)
		}
	}()
	fn(count)
}

// requestSync runs the best-effort wake-up registration detached from the caller
func (q *Queue) requestSync(ctx context.Context) {
	q.syncMu.RLock()
	syncer := q.syncer
	q.syncMu.RUnlock()
	if syncer == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Warn("Sync registration panicked", "panic", r)
			}
		}()
		reqCtx, cancel := context.WithTimeout(detached, syncRequestTimeout)
		defer cancel()
		if err := syncer.RequestSync(reqCtx); err != nil {
			q.logger.Debug("Background sync registration failed", "error", err)
		}
	}()
}

func (q *Queue) load(ctx context.Context) ([]models.QueueItem, error) {
	items, _, err := q.store.Get(ctx, QueueKey)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("%w: read queue: %w", ErrPersistence, err)
	}
	return items, nil
}

// mutate rewrites the persisted sequence through the store's atomic update
func (q *Queue) mutate(ctx context.Context, fn func([]models.QueueItem) ([]models.QueueItem, error)) ([]models.QueueItem, error) {
	items, err := q.store.Update(ctx, QueueKey, fn)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("write").Inc()
		return nil, fmt.Errorf("%w: write queue: %w", ErrPersistence, err)
	}
	metrics.QueuePending.Set(float64(len(items)))
	return items, nil
}
