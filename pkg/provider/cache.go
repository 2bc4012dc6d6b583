package provider

import (
	"maps"
	"sync"
	"time"
)

// nodeCache holds the most recent snapshot of active cluster nodes. A published
// map is never edited in place: replace and setTags swap in a new one, so a
// snapshot handed out by replace stays valid after the lock is released.
type nodeCache struct {
	mu          sync.RWMutex
	nodes       map[string]Node
	generation  uint64
	refreshedAt time.Time
}

func newNodeCache() *nodeCache {
	return &nodeCache{nodes: map[string]Node{}}
}

func (c *nodeCache) get(id string) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// snapshot returns the filtered view of the current snapshot
func (c *nodeCache) snapshot(filter TagFilter) map[string]Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filter.apply(c.nodes)
}

// replace installs nodes as the new snapshot and returns its generation.
// The cache takes ownership of the map.
func (c *nodeCache) replace(nodes map[string]Node) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = nodes
	c.generation++
	c.refreshedAt = time.Now()
	return c.generation
}

// setTags replaces the tags of a cached node; false if it is not cached
func (c *nodeCache) setTags(id string, tags map[string]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return false
	}
	n.Tags = mergeTags(tags)
	nodes := maps.Clone(c.nodes)
	nodes[id] = n
	c.nodes = nodes
	return true
}

func (c *nodeCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

func (c *nodeCache) stats() (generation uint64, refreshedAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation, c.refreshedAt
}
