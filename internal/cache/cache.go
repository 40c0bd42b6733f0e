// Package cache is a bounded read-through cache with a fixed time to live.
//
// Entries are hints, never a source of truth: callers must invalidate a key whenever they write or
// delete the value behind it.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 60 * time.Second
)

type Config struct {
	Size int
	TTL  time.Duration
}

type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

func New[K comparable, V any](c Config) *Cache[K, V] {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}

	return &Cache[K, V]{
		lru: expirable.NewLRU[K, V](c.Size, nil, c.TTL),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *Cache[K, V]) Set(key K, v V) {
	c.lru.Add(key, v)
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value for key, calling load and caching its result on a miss.
// Errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	c.lru.Add(key, v)
	return v, nil
}
