// Package cachemanager provides TTL caches. The coordinator uses one to
// remember which numeric process id a worker name resolved to.
package cachemanager

import "time"

// Store is a string-keyed TTL cache.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
	Delete(keys ...string)
	Flush()
	Len() int
}

// Stats counts lookups served by a ReadThrough cache.
type Stats struct {
	Hits   uint64
	Misses uint64
	Items  int
}
