// Package gridcache implements the grid memory manager (spec.md section
// 4.2): a soft-capped, LRU-style cache of in-memory travel-time grids
// keyed by grid title, with oldest-inactive eviction. Buffers are not
// reused across titles: every newly cached grid is freshly loaded. It generalises
// the teacher's BackgroundManager/BgStore buffer-lifecycle idiom
// (internal/lidar/l3grid's mutex-guarded, reused-in-place grid buffers)
// from one LIDAR occupancy grid per sensor to many travel-time grids per
// event.
package gridcache

import (
	"fmt"
	"log"
	"sync"

	"github.com/nllgo/nlloc/internal/nllgrid"
)

type entry struct {
	desc   nllgrid.Desc
	grid   *nllgrid.Grid
	active bool
	seq    uint64 // insertion/touch order, for oldest-inactive eviction
}

// Cache is a process-wide, non-thread-safe-across-events cache of loaded
// grids, matching spec.md section 5's "single-threaded per event" model:
// callers must not invoke the engine concurrently while sharing one Cache.
type Cache struct {
	mu      sync.Mutex
	maxLive int
	seq     uint64
	byTitle map[string]*entry
}

// New creates a Cache with the given soft maximum live-grid count.
func New(maxLive int) *Cache {
	if maxLive <= 0 {
		maxLive = 64
	}
	return &Cache{maxLive: maxLive, byTitle: make(map[string]*entry)}
}

// Loader loads the grid data for a Desc that isn't already cached.
type Loader func(desc nllgrid.Desc) (*nllgrid.Grid, error)

// Acquire returns a usable grid for desc. A grid already cached under
// desc.Name is returned as is. Otherwise a new grid is loaded and cached;
// before it is stored, the oldest inactive entry is dropped if it has the
// same shape as desc or if the cache is at capacity. The dropped entry's
// buffer is not reused. When the cache is at capacity with no inactive
// entry, the grid is loaded and returned without caching.
func (c *Cache) Acquire(desc nllgrid.Desc, load Loader) (*nllgrid.Grid, error) {
	c.mu.Lock()
	if e, ok := c.byTitle[desc.Name]; ok {
		e.active = true
		c.seq++
		e.seq = c.seq
		c.mu.Unlock()
		return e.grid, nil
	}
	live := 0
	var oldestInactive *entry
	var oldestKey string
	for k, e := range c.byTitle {
		if e.active {
			live++
		} else if oldestInactive == nil || e.seq < oldestInactive.seq {
			oldestInactive = e
			oldestKey = k
		}
	}
	c.mu.Unlock()

	if live < c.maxLive || oldestInactive != nil {
		g, err := load(desc)
		if err != nil {
			return nil, fmt.Errorf("gridcache: loading %q: %w", desc.Name, err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if oldestInactive != nil && sameShape(oldestInactive.desc, desc) {
			log.Printf("[GridCache] replacing inactive entry %q with %q (identical shape)", oldestKey, desc.Name)
			delete(c.byTitle, oldestKey)
		} else if live >= c.maxLive && oldestInactive != nil {
			log.Printf("[GridCache] evicting oldest inactive entry %q to make room for %q", oldestKey, desc.Name)
			delete(c.byTitle, oldestKey)
		}
		c.seq++
		c.byTitle[desc.Name] = &entry{desc: desc, grid: g, active: true, seq: c.seq}
		return g, nil
	}

	// Cache is full and nothing is reusable or evictable: fall back to an
	// uncached per-call allocation rather than fail the event.
	log.Printf("[GridCache] cache full (%d live), allocating %q without caching", live, desc.Name)
	return load(desc)
}

// Release marks a grid inactive so it may be evicted later.
// It is a no-op for grids that were allocated outside the cache (the
// fallback path above).
func (c *Cache) Release(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byTitle[title]; ok {
		e.active = false
	}
}

// LiveCount returns the number of currently active grids, for tests and
// diagnostics.
func (c *Cache) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.byTitle {
		if e.active {
			n++
		}
	}
	return n
}

func sameShape(a, b nllgrid.Desc) bool {
	return a.NumX == b.NumX && a.NumY == b.NumY && a.NumZ == b.NumZ && a.Element == b.Element
}
