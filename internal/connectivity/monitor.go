package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/canhoto-sync/pkg/infra"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

// Prober reports whether the API host is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber treats any HTTP response as reachable. Only transport failures count
// as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Monitor tracks the online state by probing on an interval. While offline the
// probe is paced by a jittered backoff instead.
type Monitor struct {
	prober   Prober
	interval time.Duration
	backoff  *infra.Backoff
	logger   *slog.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners []func()
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithBackoff(b *infra.Backoff) Option {
	return func(m *Monitor) { m.backoff = b }
}

// NewMonitor starts in the offline state until the first probe completes
func NewMonitor(prober Prober, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{
		prober:   prober,
		interval: interval,
		backoff:  infra.NewBackoff(time.Second, interval, 2),
		logger:   infra.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.Online.Set(0)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnOnline registers fn to run on every offline to online transition
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Check probes once and updates the state, returning the new value
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Probe(ctx)
	online := err == nil

	was := m.online.Swap(online)
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}

	switch {
	case online && !was:
		m.logger.Info("🌐 Connectivity restored")
		m.fireOnline()
	case !online && was:
		m.logger.Warn("Connectivity lost", "error", err)
	case !online:
		m.logger.Debug("Still offline", "error", err)
	}
	return online
}

func (m *Monitor) fireOnline() {
	m.mu.Lock()
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Online listener panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// Run probes until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		wait := m.interval
		if m.Check(ctx) {
			m.backoff.Reset()
		} else {
			wait = m.backoff.Next()
		}
		timer.Reset(wait)
	}
}
