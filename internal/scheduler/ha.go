package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/aegisshield/telemetry-rules-engine/internal/config"
	"github.com/aegisshield/telemetry-rules-engine/internal/store"
)

// HA determines whether this runtime instance is the active writer: it is
// active exactly when the store is reachable and Sentinel currently
// reports this instance's own host as master. This assumes the runtime
// runs co-located with the store node it writes through, so exactly one
// instance can ever see a host match at a time.
type HA struct {
	store    store.Adapter
	selfHost string
	interval time.Duration
	logger   *slog.Logger

	active atomic.Bool
}

// NewHA builds an HA manager. If cfg.SelfHost is empty, the process's own
// hostname is used.
func NewHA(cfg config.HAConfig, s store.Adapter, logger *slog.Logger) *HA {
	host := cfg.SelfHost
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return &HA{
		store:    s,
		selfHost: host,
		interval: cfg.HealthCheckInterval,
		logger:   logger,
	}
}

// IsActive reports whether this instance is currently the active writer.
func (h *HA) IsActive() bool {
	return h.active.Load()
}

// Run polls store health and Sentinel's reported master until ctx is
// cancelled. A failed Ping demotes this instance to standby immediately:
// a writer that cannot reach the store must not believe it is still the
// active master.
func (h *HA) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HA) tick(ctx context.Context) {
	if err := h.store.Ping(ctx); err != nil {
		if h.active.Swap(false) {
			h.logger.Warn("store unreachable, stepping down from active", "error", err)
		}
		return
	}

	masterHost, err := h.store.SentinelMaster(ctx)
	if err != nil {
		if h.active.Swap(false) {
			h.logger.Warn("sentinel master lookup failed, stepping down from active", "error", err)
		}
		return
	}

	active := masterHost == h.selfHost
	if active != h.active.Swap(active) {
		if active {
			h.logger.Info("became active", "host", h.selfHost)
		} else {
			h.logger.Info("stepped down to standby", "host", h.selfHost, "master_host", masterHost)
		}
	}
}
