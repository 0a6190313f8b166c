package meshchat

import (
	"sync"
	"time"
)

// seenCache remembers message ids long enough to suppress duplicates arriving
// over redundant mesh paths. Entries are evicted after ttl, which bounds the
// cache to (message rate x ttl) and must comfortably exceed worst-case
// propagation time across the mesh.
type seenCache struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{
		ttl: ttl,
		ids: make(map[string]time.Time),
	}
}

// recordIfNew atomically checks and inserts id. It returns true the first
// time an id is seen within the retention window and false on every
// subsequent sighting. This is the sole gate for both local delivery and
// forwarding.
func (c *seenCache) recordIfNew(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = time.Now()
	return true
}

// sweep evicts entries observed before now-ttl and reports how many were
// removed. An id reappearing after eviction is treated as new.
func (c *seenCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.ttl)
	removed := 0
	for id, at := range c.ids {
		if at.Before(cutoff) {
			delete(c.ids, id)
			removed++
		}
	}
	return removed
}

func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
