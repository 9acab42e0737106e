package capabilities

import (
	"bytes"
	"container/list"
	"fmt"
	"sync"

	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
)

// CacheLine is one (block, value) record of a local cache.
type CacheLine struct {
	Block core.Block
	Value []byte
}

// AccessResult reports whether an access hit and the value now stored.
type AccessResult struct {
	Hit   bool
	Value []byte
}

// CacheStats are lifetime counters of a local cache.
type CacheStats struct {
	Accesses uint64
	Misses   uint64
	HitRate  float64
}

// EvictFunc is notified with the line displaced by a full cache.
type EvictFunc func(line CacheLine)

// LocalCache is a fixed-capacity LRU map from block to the last value a node
// observed. It is owned by one controller; the mutex only guards diagnostics
// readers running beside it.
type LocalCache struct {
	desc     hooks.PluginDescriptor
	capacity int
	onEvict  EvictFunc

	mu       sync.Mutex
	entries  map[core.Block]*list.Element
	order    *list.List // front = most recently used
	accesses uint64
	misses   uint64
}

var _ NodeCapability = (*LocalCache)(nil)

// NewLocalCache creates an LRU cache holding at most capacity lines.
func NewLocalCache(capacity int, onEvict EvictFunc) (*LocalCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", core.ErrCapacity, capacity)
	}
	return &LocalCache{
		desc: hooks.PluginDescriptor{
			Name:        "local-cache",
			Category:    hooks.PluginCategoryCapability,
			Description: fmt.Sprintf("local cache (LRU, capacity %d)", capacity),
		},
		capacity: capacity,
		onEvict:  onEvict,
		entries:  make(map[core.Block]*list.Element),
		order:    list.New(),
	}, nil
}

func (c *LocalCache) Descriptor() hooks.PluginDescriptor {
	return c.desc
}

func (c *LocalCache) Register(b *hooks.PluginBroker) error {
	return registerMetadata(b, c.desc)
}

// Capacity returns the fixed line limit.
func (c *LocalCache) Capacity() int {
	return c.capacity
}

// Len returns the number of cached lines.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Access refreshes block and returns its cached value on a hit. On a miss it
// inserts value as most recently used, evicting the least recently used line
// when full.
func (c *LocalCache) Access(block core.Block, value []byte) AccessResult {
	c.mu.Lock()
	c.accesses++
	if elem, ok := c.entries[block]; ok {
		c.order.MoveToFront(elem)
		line := elem.Value.(*CacheLine)
		c.mu.Unlock()
		return AccessResult{Hit: true, Value: bytes.Clone(line.Value)}
	}
	c.misses++
	evicted := c.insertLocked(block, value)
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return AccessResult{Value: bytes.Clone(value)}
}

// Store writes value for block, overwriting a present line in place. It
// counts as an access and reports whether the line was present.
func (c *LocalCache) Store(block core.Block, value []byte) AccessResult {
	c.mu.Lock()
	c.accesses++
	if elem, ok := c.entries[block]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*CacheLine).Value = bytes.Clone(value)
		c.mu.Unlock()
		return AccessResult{Hit: true, Value: bytes.Clone(value)}
	}
	c.misses++
	evicted := c.insertLocked(block, value)
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return AccessResult{Value: bytes.Clone(value)}
}

// Peek returns the cached value without touching recency or counters.
func (c *LocalCache) Peek(block core.Block) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[block]
	if !ok {
		return nil, false
	}
	return bytes.Clone(elem.Value.(*CacheLine).Value), true
}

// Invalidate drops block without an eviction notification.
func (c *LocalCache) Invalidate(block core.Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[block]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.entries, block)
	return true
}

// Display returns the lines from least to most recently used.
func (c *LocalCache) Display() []CacheLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheLine, 0, c.order.Len())
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		line := elem.Value.(*CacheLine)
		out = append(out, CacheLine{Block: line.Block, Value: bytes.Clone(line.Value)})
	}
	return out
}

// Load replaces the contents with lines given least to most recently used.
// Counters are untouched; if lines exceed capacity only the most recent are kept.
func (c *LocalCache) Load(lines []CacheLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[core.Block]*list.Element, len(lines))
	c.order.Init()
	if len(lines) > c.capacity {
		lines = lines[len(lines)-c.capacity:]
	}
	for _, line := range lines {
		if elem, ok := c.entries[line.Block]; ok {
			c.order.MoveToFront(elem)
			elem.Value.(*CacheLine).Value = bytes.Clone(line.Value)
			continue
		}
		c.entries[line.Block] = c.order.PushFront(&CacheLine{Block: line.Block, Value: bytes.Clone(line.Value)})
	}
}

// Stats returns the lifetime access counters.
func (c *LocalCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Accesses: c.accesses, Misses: c.misses}
	if c.accesses > 0 {
		stats.HitRate = float64(c.accesses-c.misses) / float64(c.accesses)
	}
	return stats
}

func (c *LocalCache) insertLocked(block core.Block, value []byte) *CacheLine {
	var evicted *CacheLine
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			evicted = back.Value.(*CacheLine)
			c.order.Remove(back)
			delete(c.entries, evicted.Block)
		}
	}
	c.entries[block] = c.order.PushFront(&CacheLine{Block: block, Value: bytes.Clone(value)})
	return evicted
}

func (c *LocalCache) notifyEvicted(line *CacheLine) {
	if line == nil || c.onEvict == nil {
		return
	}
	c.onEvict(*line)
}
