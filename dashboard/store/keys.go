package store

import (
	"context"
	"time"
)

// Namespaced returns a Cache that prefixes every key with prefix.
// Format: {prefix}{key}
func Namespaced(c Cache, prefix string) Cache {
	if prefix == "" {
		return c
	}
	return &namespacedCache{inner: c, prefix: prefix}
}

type namespacedCache struct {
	inner  Cache
	prefix string
}

func (n *namespacedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespacedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, ttl)
}
