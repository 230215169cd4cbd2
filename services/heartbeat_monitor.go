package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gift-presence/config"
	"gift-presence/monitoring"
)

// ExpiryHandler finalizes sessions the sweep reaped.
type ExpiryHandler interface {
	HandleExpiry(ctx context.Context, expired ExpiredSession)
}

// HeartbeatMonitor periodically sweeps sessions whose deadline passed without
// a heartbeat. The sweep runs through the store's per-gift atomic removal, so
// it can never race an explicit leave into a double removal or a duplicate
// broadcast: whichever side wins reports the removal, the other sees nothing.
//
// Expiry latency is bounded by one sweep period past the nominal deadline. A
// session is logically dead the moment its deadline passes; the sweep only
// makes that physical.
type HeartbeatMonitor struct {
	store    PresenceStore
	handler  ExpiryHandler
	config   *config.Config
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewHeartbeatMonitor(store PresenceStore, handler ExpiryHandler, cfg *config.Config) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:    store,
		handler:  handler,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

func (m *HeartbeatMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *HeartbeatMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepPeriod)
	defer ticker.Stop()

	slog.Info("heartbeat monitor started", "sweep_period", m.config.SweepPeriod)

	for {
		select {
		case <-ticker.C:
			m.sweepOnce(context.Background(), time.Now())
		case <-m.stopChan:
			slog.Info("heartbeat monitor stopping")
			return
		}
	}
}

func (m *HeartbeatMonitor) sweepOnce(ctx context.Context, now time.Time) {
	started := time.Now()

	expired, err := m.store.SweepExpired(ctx, now)
	if err != nil {
		slog.Error("expiry sweep failed", "error", err)
		return
	}

	for _, e := range expired {
		m.handler.HandleExpiry(ctx, e)
	}

	monitoring.ObserveSweep(time.Since(started), len(expired))
	if len(expired) > 0 {
		slog.Info("expiry sweep removed sessions", "count", len(expired))
	}
}

// Stop halts sweeping and waits for an in-flight cycle to finish.
func (m *HeartbeatMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}
