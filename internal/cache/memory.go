package cache

import (
	"sort"
	"sync"

	"github.com/objectfs/tiercache/pkg/types"
)

// MemoryTier is the in-process tier. Reads never block on I/O and nothing is
// evicted; entries leave only through invalidation.
//
// Writes are unexported: only the fetch coordinator commits entries.
type MemoryTier struct {
	mu    sync.RWMutex
	items map[string]types.Entry
	stats types.CacheStats
}

// NewMemoryTier creates an empty memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{items: make(map[string]types.Entry)}
}

// Get returns a copy of the entry for key.
func (m *MemoryTier) Get(key string) (types.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		m.updateHitRate()
		return types.Entry{}, false
	}
	m.stats.Hits++
	m.updateHitRate()
	return e.Clone(), true
}

// peek reads without touching statistics.
func (m *MemoryTier) peek(key string) (types.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	return e, ok
}

// Has reports whether key is present.
func (m *MemoryTier) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[key]
	return ok
}

func (m *MemoryTier) put(e types.Entry) {
	m.mu.Lock()
	m.items[e.Key] = e.Clone()
	m.mu.Unlock()
}

func (m *MemoryTier) delete(key string) {
	m.mu.Lock()
	if _, ok := m.items[key]; ok {
		delete(m.items, key)
		m.stats.Evictions++
	}
	m.mu.Unlock()
}

func (m *MemoryTier) clear() {
	m.mu.Lock()
	m.items = make(map[string]types.Entry)
	m.mu.Unlock()
}

// Keys returns the present keys in lexical order.
func (m *MemoryTier) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Stats returns cache statistics
func (m *MemoryTier) Stats() types.CacheStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.Entries = len(m.items)
	var size int64
	for _, e := range m.items {
		size += int64(len(e.Payload))
	}
	stats.Size = size
	return stats
}

func (m *MemoryTier) updateHitRate() {
	total := m.stats.Hits + m.stats.Misses
	if total > 0 {
		m.stats.HitRate = float64(m.stats.Hits) / float64(total)
	}
}
