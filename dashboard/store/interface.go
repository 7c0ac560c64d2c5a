package store

import (
	"context"
	"time"
)

// Cache is the key/value primitive the rollup engine persists snapshots in.
// Expiry is owned by the implementation; a Set replaces the whole value for
// the key in a single write, so readers observe either the old or the new
// value and never a mix.
type Cache interface {
	// Get returns the value for key. A missing or expired key is reported as
	// (nil, false, nil), not as an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
