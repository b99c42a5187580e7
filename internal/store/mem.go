package store

import (
	"sync"
	"time"
)

// TTLMap holds enrollment sessions that expire on their own. Expired
// entries are invisible to readers immediately and reaped by Cleanup.
type TTLMap[V any] struct {
	mu    sync.RWMutex
	items map[string]ttlItem[V]
}

type ttlItem[V any] struct {
	value    V
	deadline time.Time
}

// TTLEntry is the public view of one live entry.
type TTLEntry[V any] struct {
	Key       string
	Value     V
	ExpiresAt time.Time
}

func NewTTLMap[V any]() *TTLMap[V] {
	return &TTLMap[V]{items: make(map[string]ttlItem[V])}
}

func (m *TTLMap[V]) Set(key string, value V, ttl time.Duration) {
	m.mu.Lock()
	m.items[key] = ttlItem[V]{value: value, deadline: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *TTLMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[key]
	if !ok || item.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// GetAndDelete removes the entry while returning it, so one-shot sessions
// cannot be consumed twice.
func (m *TTLMap[V]) GetAndDelete(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || item.expired(time.Now()) {
		var zero V
		return zero, false
	}
	delete(m.items, key)
	return item.value, true
}

func (m *TTLMap[V]) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Update mutates a live entry in place and extends its deadline. Returns
// false when the entry is missing or already expired.
func (m *TTLMap[V]) Update(key string, fn func(*V), ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || item.expired(time.Now()) {
		return false
	}
	fn(&item.value)
	item.deadline = time.Now().Add(ttl)
	m.items[key] = item
	return true
}

// Entries snapshots all live entries.
func (m *TTLMap[V]) Entries() []TTLEntry[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	out := make([]TTLEntry[V], 0, len(m.items))
	for key, item := range m.items {
		if item.expired(now) {
			continue
		}
		out = append(out, TTLEntry[V]{Key: key, Value: item.value, ExpiresAt: item.deadline})
	}
	return out
}

// Cleanup reaps expired entries. Called from the store's background sweep.
func (m *TTLMap[V]) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
		}
	}
}

func (i ttlItem[V]) expired(now time.Time) bool { return now.After(i.deadline) }
