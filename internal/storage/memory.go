package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs development mode and tests, and
// stands in when no external store is configured.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	kv    map[string]memEntry
	zsets map[string]map[string]float64
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an empty Memory store that reads time from now.
//
// Precondition: now must be non-nil.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:   now,
		kv:    make(map[string]memEntry),
		zsets: make(map[string]map[string]float64),
	}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

// ZAdd implements Store.
func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

// ZRangeByScore implements Store.
func (m *Memory) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			hits = append(hits, scored{member: member, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}
		return hits[i].member < hits[j].member
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}
