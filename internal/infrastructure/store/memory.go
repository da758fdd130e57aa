package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore is the in-process fallback. Entries honor TTLs via lazy
// expiry; it never fails short of memory exhaustion.
type memoryStore struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	sorted map[string][]scoredValue
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

type scoredValue struct {
	score     int64
	value     []byte
	expiresAt time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		items:  make(map[string]memoryItem),
		sorted: make(map[string][]scoredValue),
	}
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || item.expired(time.Now()) {
		return nil, KeyNotFoundError{Key: key}
	}
	cp := make([]byte, len(item.value))
	copy(cp, item.value)
	return cp, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = memoryItem{value: cp, expiresAt: expires}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	delete(m.sorted, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	now := time.Now()
	out := make(map[string][]byte)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			cp := make([]byte, len(item.value))
			copy(cp, item.value)
			out[key] = cp
		}
	}
	return out, nil
}

func (m *memoryStore) AppendSorted(_ context.Context, key string, score int64, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	expires := time.Now().Add(TTLBidHistory)

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append(m.sorted[key], scoredValue{score: score, value: cp, expiresAt: expires})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].score < entries[j].score
	})
	if len(entries) > BidHistoryCap {
		entries = entries[len(entries)-BidHistoryCap:]
	}
	m.sorted[key] = entries
	return nil
}

func (m *memoryStore) ListSorted(_ context.Context, key string) ([][]byte, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.sorted[key]
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if now.After(e.expiresAt) {
			continue
		}
		cp := make([]byte, len(e.value))
		copy(cp, e.value)
		out = append(out, cp)
	}
	return out, nil
}

func (m *memoryStore) Health() Health {
	return HealthDegraded
}

func (m *memoryStore) Close() error {
	return nil
}
