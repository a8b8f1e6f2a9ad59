package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/service"
	"github.com/Guizzs26/canhoto-sync/internal/trigger"
)

type stubQueue struct {
	items []models.QueueItem
	err   error
}

func (s stubQueue) PendingCount(context.Context) (int, error) { return len(s.items), s.err }

func (s stubQueue) Items(context.Context) ([]models.QueueItem, error) { return s.items, s.err }

type stubSyncer struct {
	sources []trigger.Source
}

func (s *stubSyncer) Trigger(_ context.Context, src trigger.Source) (service.ReplayReport, error) {
	s.sources = append(s.sources, src)
	return service.ReplayReport{Attempted: 2, Succeeded: 1, Failed: 1, Remaining: 1}, nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestPendingEndpoint(t *testing.T) {
	h := NewRouter(Deps{Queue: stubQueue{items: make([]models.QueueItem, 3)}, Sync: &stubSyncer{}})

	rec := do(t, h, http.MethodGet, "/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":3}`, rec.Body.String())
}

func TestPendingEndpointStoreFailure(t *testing.T) {
	h := NewRouter(Deps{Queue: stubQueue{err: errors.New("locked")}, Sync: &stubSyncer{}})

	rec := do(t, h, http.MethodGet, "/queue")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "locked")
}

func TestItemsEndpointReturnsEmptyList(t *testing.T) {
	h := NewRouter(Deps{Queue: stubQueue{}, Sync: &stubSyncer{}})

	rec := do(t, h, http.MethodGet, "/queue/items")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestManualSyncEndpoint(t *testing.T) {
	syncer := &stubSyncer{}
	h := NewRouter(Deps{Queue: stubQueue{}, Sync: syncer})

	rec := do(t, h, http.MethodPost, "/queue/sync")
	require.Equal(t, http.StatusOK, rec.Code)

	var report service.ReplayReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Remaining)
	assert.Equal(t, []trigger.Source{trigger.SourceManual}, syncer.sources)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/queue/sync").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := NewRouter(Deps{Queue: stubQueue{}, Sync: &stubSyncer{}, Online: func() bool { return true }})

	rec := do(t, h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","online":true}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pod_queue_pending")
}
