// Package memory implements the store interface in process memory. It serves tests and single router deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/store"
)

type entry struct {
	value string
	exp   time.Time
}

// Memory is a store.KV kept in maps guarded by one mutex.
type Memory struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	strings map[string]entry
}

// New returns an empty store. Key expiry follows clock; nil means the real clock.
func New(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Memory{
		clock:   clock,
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		strings: make(map[string]entry),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *Memory) Close(_ context.Context) error {
	return nil
}

// HSetNX sets field in key if it is not set yet.
func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}

	if _, ok = h[field]; ok {
		return false, nil
	}

	h[field] = value

	return true, nil
}

// HGet returns field of key or store.ErrNotFound.
func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.hashes[key][field]
	if !ok {
		return "", store.ErrNotFound
	}

	return v, nil
}

// HGetAll returns a copy of the hash at key, empty if absent.
func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}

	return out, nil
}

// HDel removes fields from key and returns how many existed.
func (m *Memory) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashes[key]

	var n int64

	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			n++
		}
	}

	if h != nil && len(h) == 0 {
		delete(m.hashes, key)
	}

	return n, nil
}

// HCreate writes fields if key does not exist.
func (m *Memory) HCreate(_ context.Context, key string, fields map[string]string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.hashes[key]) > 0 {
		return false, nil
	}

	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v
	}

	m.hashes[key] = h

	return true, nil
}

// HCompareAndSwap writes fields if field holds expected.
func (m *Memory) HCompareAndSwap(_ context.Context, key, field, expected string, fields map[string]string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashes[key]

	if v, ok := h[field]; !ok || v != expected {
		return false, nil
	}

	for k, v := range fields {
		h[k] = v
	}

	return true, nil
}

// SAdd adds members to the set at key.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}

	for _, v := range members {
		s[v] = struct{}{}
	}

	return nil
}

// SRem removes members from the set at key.
func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sets[key]
	for _, v := range members {
		delete(s, v)
	}

	if s != nil && len(s) == 0 {
		delete(m.sets, key)
	}

	return nil
}

// SMembers returns the members of the set at key in no particular order.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		out = append(out, v)
	}

	return out, nil
}

// SetEx sets key to value for ttl.
func (m *Memory) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strings[key] = entry{value: value, exp: m.clock.Now().Add(ttl)}

	return nil
}

// Get returns the value of key, or store.ErrNotFound if it is absent or expired.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.strings[key]
	if !ok {
		return "", store.ErrNotFound
	}

	if !m.clock.Now().Before(e.exp) {
		delete(m.strings, key)

		return "", store.ErrNotFound
	}

	return e.value, nil
}
