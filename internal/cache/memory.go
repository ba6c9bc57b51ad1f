package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MaxTTL bounds how long the memory backend keeps anything.
const MaxTTL = 5 * time.Minute

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

// Memory is an in-process LRU. The LRU evicts at MaxTTL; shorter TTLs are
// enforced per entry on read.
type Memory struct {
	lru *expirable.LRU[string, memEntry]
	now func() time.Time
}

func NewMemory(size int, maxTTL time.Duration) *Memory {
	return &Memory{
		lru: expirable.NewLRU[string, memEntry](size, nil, maxTTL),
		now: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return nil, ErrMiss
	}
	return e.val, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.lru.Add(key, memEntry{val: append([]byte(nil), val...), expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}
