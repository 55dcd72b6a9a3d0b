// Package cache provides the read-through cache the grading service uses
// for questionnaire lookups.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Cache stores JSON-encodable values by key. Get reports whether the key
// was found and decodes it into dst.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	key     string
	data    []byte
	expires time.Time
}

// Memory is a capacity-bounded LRU cache with per-entry TTL. Values are
// stored encoded so callers never share mutable state with the cache.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

// NewMemory returns a cache holding at most capacity entries. A capacity
// below one is treated as one.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	el, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	e := el.Value.(*entry)
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.removeElement(el)
		m.mu.Unlock()
		return false, nil
	}
	m.ll.MoveToFront(el)
	data := e.data
	m.mu.Unlock()

	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores v under key. A ttl of zero means no expiry.
func (m *Memory) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		e := el.Value.(*entry)
		e.data, e.expires = data, expires
		m.ll.MoveToFront(el)
		return nil
	}
	m.items[key] = m.ll.PushFront(&entry{key: key, data: data, expires: expires})
	for m.ll.Len() > m.capacity {
		m.removeElement(m.ll.Back())
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *Memory) removeElement(el *list.Element) {
	m.ll.Remove(el)
	delete(m.items, el.Value.(*entry).key)
}
