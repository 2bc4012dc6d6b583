package provider

import (
	"sync"
	"time"

	"github.com/podscale/runpod-node-provider/pkg/metrics"
)

// guard is the provider's single exclusive lock. It serializes refreshes,
// forced lookups, tag read-merge-write sequences and the tagging step of
// create. Cache-hit reads do not take it.
type guard struct {
	mu      sync.Mutex
	cluster string
}

// lock acquires the guard for op and returns the matching unlock
func (g *guard) lock(op string) func() {
	start := time.Now()
	g.mu.Lock()
	metrics.GuardWaitDuration.WithLabelValues(g.cluster, op).Observe(time.Since(start).Seconds())
	return g.mu.Unlock
}
