package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/yansir/grok-relay/internal/events"
	"github.com/yansir/grok-relay/internal/telemetry"
)

// HealthLoop periodically reloads the pool projection, applies the
// classifier, and publishes status gauges. It runs serially with itself;
// an in-flight scan always completes before Run returns.
type HealthLoop struct {
	pool     *Pool
	interval time.Duration
	metrics  *telemetry.Metrics
	bus      *events.Bus
}

func NewHealthLoop(pool *Pool, interval time.Duration, metrics *telemetry.Metrics, bus *events.Bus) *HealthLoop {
	return &HealthLoop{pool: pool, interval: interval, metrics: metrics, bus: bus}
}

// Run blocks until ctx is canceled. The caller must wait for Run to
// return before shutting down the coordinator so that a scan never races
// teardown.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.scan(ctx)
		}
	}
}

func (h *HealthLoop) scan(ctx context.Context) {
	start := time.Now()

	if err := h.pool.Load(ctx); err != nil {
		slog.Error("health scan reload failed", "error", err)
		return
	}

	scanned := h.pool.reclassify(ctx)

	counts := h.pool.StatusCounts()
	h.metrics.SetActiveSessions(counts)

	for _, id := range scanned {
		if err := h.pool.store.MarkHealthChecked(ctx, id); err != nil {
			slog.Warn("mark health check failed", "sessionId", id, "error", err)
		}
	}

	h.bus.Publish(events.Event{
		Type:    events.EventHealthScan,
		Message: "health scan complete",
	})
	slog.Debug("health scan complete",
		"sessions", len(scanned),
		"healthy", counts["healthy"],
		"quarantined", counts["quarantined"],
		"elapsed", time.Since(start))
}
