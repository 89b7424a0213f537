package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	rev       uint64
	refreshed time.Time
}

// Memory is an in-process Store with TTL semantics, used by tests and
// the single-process backtest CLI.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
	nextRev uint64
	now     func() time.Time
}

// NewMemory builds an in-memory bucket. ttl of zero disables expiry.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// expired must be called with the lock held.
func (m *Memory) expired(e *memoryEntry) bool {
	return m.ttl > 0 && m.now().Sub(e.refreshed) >= m.ttl
}

func (m *Memory) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return 0, ErrExists
	}
	m.nextRev++
	m.entries[key] = &memoryEntry{value: append([]byte(nil), value...), rev: m.nextRev, refreshed: m.now()}
	return m.nextRev, nil
}

func (m *Memory) Update(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.rev != rev {
		return 0, ErrRevisionMismatch
	}
	m.nextRev++
	e.value = append([]byte(nil), value...)
	e.rev = m.nextRev
	e.refreshed = m.now()
	return m.nextRev, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRev++
	m.entries[key] = &memoryEntry{value: append([]byte(nil), value...), rev: m.nextRev, refreshed: m.now()}
	return m.nextRev, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), e.value...), e.rev, nil
}

func (m *Memory) Delete(_ context.Context, key string, rev uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev != 0 {
		e := m.live(key)
		if e == nil {
			return nil
		}
		if e.rev != rev {
			return ErrRevisionMismatch
		}
	}
	delete(m.entries, key)
	return nil
}
