package metrics

import (
	"context"
	"net/http"
	"time"

	"possync/internal/log"
	"possync/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SyncMetrics exposes queue and engine instrumentation. Each instance owns its
// registry so isolated engines (and tests) never collide.
type SyncMetrics struct {
	EnqueueTotal  *prometheus.CounterVec
	SyncedTotal   prometheus.Counter
	FailedTotal   prometheus.Counter
	ConflictTotal prometheus.Counter
	SkippedTotal  prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	Online        prometheus.Gauge
	CycleDuration prometheus.Histogram

	registry *prometheus.Registry
	queue    *store.QueueStore
	logger   *log.Logger
}

func NewSyncMetrics(queue *store.QueueStore, logger *log.Logger) *SyncMetrics {
	m := &SyncMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "possync_enqueue_total",
				Help: "Total number of enqueued queue items",
			},
			[]string{"type"},
		),
		SyncedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "possync_synced_total",
			Help: "Total number of items applied remotely",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "possync_failed_total",
			Help: "Total number of item sync failures",
		}),
		ConflictTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "possync_conflicts_total",
			Help: "Total number of detected sync conflicts",
		}),
		SkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "possync_skipped_total",
			Help: "Total number of items skipped because they were already applied",
		}),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "possync_queue_depth",
				Help: "Number of queue items per status",
			},
			[]string{"status"},
		),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "possync_online",
			Help: "Connectivity signal (1 = online, 0 = offline)",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "possync_cycle_duration_seconds",
			Help:    "Duration of sync drain cycles",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		registry: prometheus.NewRegistry(),
		queue:    queue,
		logger:   logger,
	}

	m.registry.MustRegister(
		m.EnqueueTotal,
		m.SyncedTotal,
		m.FailedTotal,
		m.ConflictTotal,
		m.SkippedTotal,
		m.QueueDepth,
		m.Online,
		m.CycleDuration,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run refreshes the queue depth gauges every 10 seconds until ctx is canceled.
func (m *SyncMetrics) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.refreshDepth(ctx)
		}
	}
}

func (m *SyncMetrics) refreshDepth(ctx context.Context) {
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		m.logger.Error("Failed to collect queue counts", zap.Error(err))
		return
	}
	m.QueueDepth.WithLabelValues(string(store.StatusPending)).Set(float64(counts.Pending))
	m.QueueDepth.WithLabelValues(string(store.StatusSyncing)).Set(float64(counts.Syncing))
	m.QueueDepth.WithLabelValues(string(store.StatusFailed)).Set(float64(counts.Failed))
	m.QueueDepth.WithLabelValues(string(store.StatusSynced)).Set(float64(counts.Synced))
	m.QueueDepth.WithLabelValues(string(store.StatusConflict)).Set(float64(counts.Conflict))
}
