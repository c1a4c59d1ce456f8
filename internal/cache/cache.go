// Package cache maps request fingerprints to previously computed results so
// equivalent submissions skip the queue entirely. Staleness is bounded by
// TTL; duplicate successful executions of the same fingerprint simply
// overwrite the entry with an equivalent result.
package cache

import (
	"context"
	"encoding/json"
)

// Cache is the result cache consulted before task submission.
type Cache interface {
	// Lookup returns the cached result for a fingerprint, or ok=false on
	// miss or expiry. Backend failures are treated as misses.
	Lookup(ctx context.Context, fingerprint string) (json.RawMessage, bool)

	// Store records a result for a fingerprint.
	Store(ctx context.Context, fingerprint string, result json.RawMessage)

	Close() error
}
