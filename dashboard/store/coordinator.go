package store

import (
	"context"
	"time"
)

// Coordinator defines the lease primitives used for leader election between
// dashboard worker processes sharing one cache backend.
type Coordinator interface {
	// AcquireLease attempts to acquire a lease for a resource.
	// value identifies the holder. Returns false if another holder owns it.
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL of a held lease if the value matches.
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if the value matches.
	ReleaseLease(ctx context.Context, key string, value string) error
}
