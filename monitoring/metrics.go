package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	occupiedGifts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_occupied_gifts_total",
			Help: "Gifts that currently have at least one live viewer session",
		},
	)

	liveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_live_sessions_total",
			Help: "Live viewer sessions across all gifts",
		},
	)

	presenceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_operations_total",
			Help: "Presence operations by outcome",
		},
		[]string{"operation", "status"},
	)

	broadcastEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_broadcasts_total",
			Help: "Occupancy broadcasts by outcome",
		},
		[]string{"outcome"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_sweep_duration_seconds",
			Help:    "Duration of expiry sweeps",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	expiredSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_expired_sessions_total",
			Help: "Sessions removed by the expiry sweep",
		},
	)
)

// TrackPresenceOp counts one join/leave/heartbeat/disconnect by outcome.
func TrackPresenceOp(operation, status string) {
	presenceOperations.WithLabelValues(operation, status).Inc()
}

// TrackBroadcast counts one broadcast attempt by outcome.
func TrackBroadcast(outcome string) {
	broadcastEvents.WithLabelValues(outcome).Inc()
}

// ObserveSweep records a sweep cycle.
func ObserveSweep(d time.Duration, expired int) {
	sweepDuration.Observe(d.Seconds())
	expiredSessions.Add(float64(expired))
}

// OccupancySource is the slice of the store the collector samples.
type OccupancySource interface {
	OccupiedGifts(ctx context.Context) ([]string, error)
	SessionCount(ctx context.Context, giftID string) (int, error)
}

type Monitor struct {
	source   OccupancySource
	interval time.Duration
	stopChan chan struct{}
}

func NewMonitor(source OccupancySource) *Monitor {
	monitor := &Monitor{
		source:   source,
		interval: 30 * time.Second,
		stopChan: make(chan struct{}),
	}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.collectOccupancyMetrics(context.Background())
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) collectOccupancyMetrics(ctx context.Context) {
	giftIDs, err := m.source.OccupiedGifts(ctx)
	if err != nil {
		return
	}

	total := 0
	for _, giftID := range giftIDs {
		count, err := m.source.SessionCount(ctx, giftID)
		if err != nil {
			continue
		}
		total += count
	}

	occupiedGifts.Set(float64(len(giftIDs)))
	liveSessions.Set(float64(total))
}

func (m *Monitor) Stop() {
	close(m.stopChan)
}
