package cachemanager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zjrosen/herald/internal/log"
)

// LoadFunc produces the value for key on a cache miss.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

// ReadThrough serves lookups from a Store and calls load on a miss, keeping
// what load returns for ttl. Errors are never cached. A zero ttl disables
// caching: every Get calls load.
type ReadThrough[V any] struct {
	store  Store[V]
	load   LoadFunc[V]
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewReadThrough creates a read-through cache over a Memory store.
func NewReadThrough[V any](name string, ttl time.Duration, load LoadFunc[V]) *ReadThrough[V] {
	return NewReadThroughStore(NewMemory[V](name, ttl, DefaultCleanupInterval), ttl, load)
}

// NewReadThroughStore creates a read-through cache over store.
func NewReadThroughStore[V any](store Store[V], ttl time.Duration, load LoadFunc[V]) *ReadThrough[V] {
	return &ReadThrough[V]{store: store, load: load, ttl: ttl}
}

// Enabled reports whether values are kept between calls.
func (r *ReadThrough[V]) Enabled() bool { return r.ttl > 0 }

func (r *ReadThrough[V]) Get(ctx context.Context, key string) (V, error) {
	if !r.Enabled() {
		r.misses.Add(1)
		return r.load(ctx, key)
	}

	if v, ok := r.store.Get(key); ok {
		r.hits.Add(1)
		return v, nil
	}

	r.misses.Add(1)
	v, err := r.load(ctx, key)
	if err != nil {
		return v, err
	}
	r.store.Set(key, v, r.ttl)
	log.Debug(log.CatCache, "cached lookup", "key", key, "ttl", r.ttl)
	return v, nil
}

// Invalidate drops keys so the next Get calls load.
func (r *ReadThrough[V]) Invalidate(keys ...string) {
	r.store.Delete(keys...)
}

// Reset drops every cached value. Counters are kept.
func (r *ReadThrough[V]) Reset() {
	r.store.Flush()
}

func (r *ReadThrough[V]) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Items:  r.store.Len(),
	}
}
