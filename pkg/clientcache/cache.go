// Package clientcache keeps provider clients alive between calls with a bounded lifetime.
package clientcache

import (
	"io"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Cache stores clients of type T keyed by string. Entries expire after ttl; expired or
// invalidated entries implementing io.Closer are closed.
type Cache[T any] struct {
	c      *gocache.Cache
	build  sync.Mutex
	logger *zap.Logger
}

func New[T any](ttl, cleanupInterval time.Duration, logger *zap.Logger) *Cache[T] {
	c := gocache.New(ttl, cleanupInterval)
	c.OnEvicted(func(key string, v interface{}) {
		if closer, ok := v.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("Failed to close evicted client", zap.String("key", key), zap.Error(err))
			}
		}
	})
	return &Cache[T]{c: c, logger: logger}
}

// GetOrCreate returns the cached client or builds and stores a new one.
func (c *Cache[T]) GetOrCreate(key string, build func() (T, error)) (T, error) {
	if v, ok := c.c.Get(key); ok {
		return v.(T), nil
	}

	c.build.Lock()
	defer c.build.Unlock()

	if v, ok := c.c.Get(key); ok {
		return v.(T), nil
	}

	client, err := build()
	if err != nil {
		var zero T
		return zero, err
	}
	c.c.SetDefault(key, client)
	return client, nil
}

// Invalidate drops (and closes) the client for key, e.g. after an auth failure.
func (c *Cache[T]) Invalidate(key string) {
	c.c.Delete(key)
}

// Len reports the number of cached clients, including not-yet-swept expired ones.
func (c *Cache[T]) Len() int {
	return c.c.ItemCount()
}

// Close evicts every entry.
func (c *Cache[T]) Close() {
	for key := range c.c.Items() {
		c.c.Delete(key)
	}
}
