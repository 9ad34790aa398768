package session

import (
	"context"
	"log/slog"
	"time"
)

// Monitor periodically evicts sessions whose heartbeats have gone quiet.
// It runs on its own schedule and never blocks command dispatch; eviction
// consequences (failing pending calls) flow through the registry's
// EvictFunc.
type Monitor struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
}

func NewMonitor(registry *Registry, interval, threshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	return &Monitor{registry: registry, interval: interval, threshold: threshold}
}

// Start runs the sweep loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := m.registry.EvictStale(m.threshold, time.Now()); len(evicted) > 0 {
					slog.Info("stale sessions evicted", "count", len(evicted), "device_ids", evicted)
				}
			}
		}
	}()
}
