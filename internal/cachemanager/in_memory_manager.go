package cachemanager

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/herald/internal/log"
)

// DefaultCleanupInterval is how often expired entries are purged.
const DefaultCleanupInterval = time.Minute

// Memory is the go-cache implementation of Store.
type Memory[V any] struct {
	name  string
	cache *gocache.Cache
}

var _ Store[int] = (*Memory[int])(nil)

// NewMemory creates a go-cache backed store. name labels it in log output.
func NewMemory[V any](name string, ttl, cleanup time.Duration) *Memory[V] {
	return &Memory[V]{
		name:  name,
		cache: gocache.New(ttl, cleanup),
	}
}

func (m *Memory[V]) Get(key string) (V, bool) {
	var zero V
	raw, found := m.cache.Get(key)
	if !found {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		log.Error(log.CatCache, "cached value has wrong type", "cache", m.name, "key", key)
		m.cache.Delete(key)
		return zero, false
	}
	return v, true
}

func (m *Memory[V]) Set(key string, value V, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
}

func (m *Memory[V]) Delete(keys ...string) {
	for _, key := range keys {
		m.cache.Delete(key)
	}
}

func (m *Memory[V]) Flush() {
	m.cache.Flush()
	log.Debug(log.CatCache, "cache flushed", "cache", m.name)
}

// Len counts stored items, including expired ones not yet purged.
func (m *Memory[V]) Len() int {
	return m.cache.ItemCount()
}
