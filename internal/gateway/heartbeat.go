package gateway

import (
	"context"
	"log/slog"
	"time"
)

// Heartbeat periodically probes every registered connection. A connection
// that has not answered the previous probe is terminated.
type Heartbeat struct {
	interval time.Duration
	registry *Registry
	log      *slog.Logger
}

// NewHeartbeat creates a heartbeat over registry.
func NewHeartbeat(interval time.Duration, registry *Registry, log *slog.Logger) *Heartbeat {
	return &Heartbeat{interval: interval, registry: registry, log: log}
}

// Run sweeps on every tick until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep runs one probe pass and returns the number of connections terminated.
func (h *Heartbeat) Sweep() int {
	terminated := 0
	for _, c := range h.registry.Snapshot() {
		if !c.probe() {
			c.logger().Info("Terminating unresponsive connection")
			c.Terminate()
			terminated++
			continue
		}
		if err := c.Ping(); err != nil {
			c.logger().Debug("Liveness probe failed", "error", err)
		}
	}
	return terminated
}
