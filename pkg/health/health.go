// Package health runs the periodic node cache refresh of a long-running
// provider and exposes its state on /healthz and /readyz.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podscale/runpod-node-provider/pkg/provider"
	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
)

// DefaultRefreshInterval is used when the checker is created with a zero interval
const DefaultRefreshInterval = 30 * time.Second

// refreshTimeout bounds a single refresh
const refreshTimeout = 30 * time.Second

// Source is the part of the provider the checker drives
type Source interface {
	Refresh(ctx context.Context, filter provider.TagFilter) (map[string]provider.Node, error)
	BackendStats() (client.CircuitBreakerStats, bool)
}

// HealthChecker refreshes the provider periodically and tracks the outcome
type HealthChecker struct {
	source            Source
	logger            *zap.Logger
	mu                sync.RWMutex
	healthy           bool
	ready             bool
	nodes             int
	lastCheck         time.Time
	lastError         error
	checkInterval     time.Duration
	shutdownInitiated bool
}

// NewHealthChecker creates a new HealthChecker
func NewHealthChecker(source Source, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		source:        source,
		logger:        logger.Named("health"),
		checkInterval: interval,
	}
}

// Start performs the first refresh and then refreshes periodically in the
// background until ctx is done. A failed first refresh is not fatal: the
// checker stays not ready until a refresh succeeds.
func (h *HealthChecker) Start(ctx context.Context) {
	if err := h.performCheck(ctx); err != nil {
		h.logger.Warn("Initial node refresh failed", zap.Error(err))
	}
	go h.runPeriodicChecks(ctx)
}

// runPeriodicChecks runs refreshes periodically
func (h *HealthChecker) runPeriodicChecks(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.shutdownInitiated = true
			h.mu.Unlock()
			return
		case <-ticker.C:
			if err := h.performCheck(ctx); err != nil {
				h.logger.Warn("Node refresh failed", zap.Error(err))
			}
		}
	}
}

// performCheck refreshes the provider's node cache once
func (h *HealthChecker) performCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	nodes, err := h.source.Refresh(checkCtx, nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now()
	h.lastError = err
	h.healthy = err == nil
	if err != nil {
		return err
	}
	h.ready = true
	h.nodes = len(nodes)
	return nil
}

// HealthzHandler implements the /healthz endpoint.
// Returns 200 while RunPod is reachable and the circuit breaker is not open.
func (h *HealthChecker) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	healthy := h.healthy
	lastError := h.lastError
	shutdownInitiated := h.shutdownInitiated
	h.mu.RUnlock()

	// still alive while draining
	if shutdownInitiated {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
		return
	}

	if stats, ok := h.source.BackendStats(); ok && stats.State == client.StateOpen {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "unhealthy: circuit breaker open since %s", stats.LastStateChange.Format(time.RFC3339))
		return
	}

	if healthy {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	if lastError != nil {
		fmt.Fprintf(w, "unhealthy: %v", lastError)
	} else {
		fmt.Fprint(w, "unhealthy")
	}
}

// ReadyzHandler implements the /readyz endpoint.
// Returns 200 once the first refresh has completed.
func (h *HealthChecker) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	nodes := h.nodes
	lastError := h.lastError
	lastCheck := h.lastCheck
	shutdownInitiated := h.shutdownInitiated
	h.mu.RUnlock()

	if shutdownInitiated {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "shutting down")
		return
	}

	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ready (%d nodes, last check: %s)", nodes, lastCheck.Format(time.RFC3339))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	if lastError != nil {
		fmt.Fprintf(w, "not ready: %v", lastError)
	} else {
		fmt.Fprint(w, "not ready")
	}
}

// Handler returns a mux serving /healthz and /readyz
func (h *HealthChecker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HealthzHandler)
	mux.HandleFunc("/readyz", h.ReadyzHandler)
	return mux
}

// IsHealthy returns the current health status
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

// IsReady returns the current readiness status
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// LastError returns the error of the last refresh, if it failed
func (h *HealthChecker) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastError
}

// LastCheckTime returns the time of the last refresh
func (h *HealthChecker) LastCheckTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCheck
}
