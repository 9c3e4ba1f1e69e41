package cache

import (
	"context"
	"time"
)

// Cache is the shared key-value cache contract consumed by the
// federation core (discovery documents, consumed Shibboleth session
// ids). Implementations must be safe for concurrent use; the core
// follows a cache-aside pattern and tolerates duplicate writes for the
// same key.
type Cache interface {
	// Get retrieves a cached value; ok is false on miss or expiry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores a value with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
