// Package cache holds short-lived per-feed block lists so that bursts of
// availability queries do not refetch every channel calendar.
package cache

import (
	"context"
	"sync"
	"time"

	"stayledger/internal/model"
)

// BlockCache stores the parsed blocks of one feed under a key.
type BlockCache interface {
	Get(ctx context.Context, key string) ([]model.ExternalBlock, bool)
	Set(ctx context.Context, key string, blocks []model.ExternalBlock, ttl time.Duration)
}

// Key builds the cache key of a property feed.
func Key(property, feedID string) string {
	return "stayledger:blocks:" + property + ":" + feedID
}

type memoryEntry struct {
	blocks    []model.ExternalBlock
	expiresAt time.Time
}

// Memory is an in-process BlockCache guarded by an RWMutex.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]model.ExternalBlock, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	out := make([]model.ExternalBlock, len(e.blocks))
	copy(out, e.blocks)
	return out, true
}

func (m *Memory) Set(_ context.Context, key string, blocks []model.ExternalBlock, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cp := make([]model.ExternalBlock, len(blocks))
	copy(cp, blocks)

	m.mu.Lock()
	m.entries[key] = memoryEntry{blocks: cp, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]model.ExternalBlock, bool) { return nil, false }
func (Nop) Set(context.Context, string, []model.ExternalBlock, time.Duration) {}
