// Package cache keeps recently recovered aggregate state. Entries are hints,
// callers always read the journal tail after the cached seq.
package cache

import (
	"github.com/iidesho/ledger/metrics"
	"github.com/iidesho/ledger/sync"
)

type Entry[S any] struct {
	State S
	Seq   uint64
}

type Cache[S any] interface {
	Get(key string) (Entry[S], bool)
	Set(key string, e Entry[S])
	Invalidate(key string)
}

var (
	hitCount   = metrics.NewCounterVec("cache_hits_total", "aggregate cache hits", "cache")
	missCount  = metrics.NewCounterVec("cache_misses_total", "aggregate cache misses", "cache")
	evictCount = metrics.NewCounterVec("cache_evictions_total", "aggregate cache evictions", "cache")
)

type InMemory[S any] struct {
	name       string
	maxEntries int
	data       *sync.Map[string, Entry[S]]
}

type Option func(*options)

type options struct {
	name       string
	maxEntries int
}

// WithName sets the cache label used in metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMaxEntries bounds the cache. Arbitrary entries are dropped once the
// bound is passed. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

func NewInMemory[S any](opts ...Option) *InMemory[S] {
	o := options{name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	return &InMemory[S]{
		name:       o.name,
		maxEntries: o.maxEntries,
		data:       sync.NewMap[string, Entry[S]](),
	}
}

func (c *InMemory[S]) Get(key string) (Entry[S], bool) {
	e, ok := c.data.Get(key)
	if ok {
		hitCount.Inc(c.name)
	} else {
		missCount.Inc(c.name)
	}
	return e, ok
}

// Set keeps whichever of the stored and the given entry reflects more events.
func (c *InMemory[S]) Set(key string, e Entry[S]) {
	c.data.CompareAndSwap(key, e, func(stored Entry[S]) bool {
		return e.Seq >= stored.Seq
	})
	if c.maxEntries > 0 && c.data.Len() > c.maxEntries {
		evictCount.Add(float64(c.data.EvictAbove(c.maxEntries, key)), c.name)
	}
}

func (c *InMemory[S]) Invalidate(key string) {
	c.data.Delete(key)
}

func (c *InMemory[S]) Len() int {
	return c.data.Len()
}

// Noop never holds anything.
type Noop[S any] struct{}

func (Noop[S]) Get(string) (Entry[S], bool) {
	return Entry[S]{}, false
}

func (Noop[S]) Set(string, Entry[S]) {}

func (Noop[S]) Invalidate(string) {}
