package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueuePending mirrors the length of the persisted POD queue after every write
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pod_queue_pending",
		Help: "Current number of POD submissions waiting in the offline queue",
	})

	ItemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pod_enqueued_total",
		Help: "Total number of POD submissions captured into the offline queue",
	})

	// PersistenceFailures counts store reads/writes that failed
	// A growing value means queued PODs may be lost on restart
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pod_persistence_failures_total",
		Help: "Total number of failed durable store operations",
	}, []string{"op"}) // op: read, write

	OnlineSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pod_online_submissions_total",
		Help: "POD submissions captured while online, by outcome",
	}, []string{"status"}) // status: sent, queued

	ReplayItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pod_replay_items_total",
		Help: "Queued POD submissions attempted during replay, by outcome",
	}, []string{"status"}) // status: sent, retained

	ReplayPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pod_replay_passes_total",
		Help: "Replay invocations by result",
	}, []string{"result"}) // result: completed, coalesced, error

	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pod_replay_duration_seconds",
		Help:    "Duration of a single replay pass over the queue",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	SyncTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pod_sync_triggers_total",
		Help: "Sync triggers received, by source",
	}, []string{"source"}) // source: online, background, manual

	// Online is 1 while the connectivity probe reaches the API, 0 otherwise
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pod_connectivity_online",
		Help: "Current connectivity state as seen by the probe (1 online, 0 offline)",
	})

	// BrokerHealthy is 1 while the background controller channel is connected
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pod_broker_healthy",
		Help: "Current health of the RabbitMQ sync channel (1 healthy, 0 unhealthy)",
	})

	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pod_broker_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})
)
