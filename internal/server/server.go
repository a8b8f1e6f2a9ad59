package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/service"
	"github.com/Guizzs26/canhoto-sync/internal/trigger"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
)

type QueueReader interface {
	PendingCount(ctx context.Context) (int, error)
	Items(ctx context.Context) ([]models.QueueItem, error)
}

type Syncer interface {
	Trigger(ctx context.Context, src trigger.Source) (service.ReplayReport, error)
}

// Deps are the daemon components exposed over the control API
type Deps struct {
	Queue  QueueReader
	Sync   Syncer
	Online func() bool
	Logger *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = infra.DiscardLogger()
	}
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.health)
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.pending)
		r.Get("/items", h.items)
		r.Post("/sync", h.sync)
	})
	return r
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	online := false
	if h.deps.Online != nil {
		online = h.deps.Online()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": online})
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Queue.PendingCount(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (h *handlers) items(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Queue.Items(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusServiceUnavailable, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Sync.Trigger(r.Context(), trigger.SourceManual)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	h.deps.Logger.Error("Control API request failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			l.Debug("Control API request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Run serves handler on addr until ctx is cancelled, then shuts down gracefully
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("📊 Control API online", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
