// Package cachekv abstracts the cache tier used by the hot path: the
// per-project block cache, the event-id dedup window and the recent-issues
// set consumed by the alert evaluator.
//
// Two implementations exist: a Redis-backed one for multi-pod deployments
// and an in-process fallback so a single node can run without Redis.
package cachekv

import (
	"context"
	"time"
)

// Cache is the minimal surface the ingest pipeline needs from the cache
// tier. All operations are safe for concurrent use.
type Cache interface {
	// Get returns the value for key, reporting whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetTTL stores value under key with the given expiry.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// AddUnique records key if absent and reports whether it was added.
	// Used for the event-id dedup window.
	AddUnique(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// SetAdd adds members to the set at key and refreshes its expiry.
	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// SetPopAll atomically returns all members of the set at key and
	// removes the set. An absent set yields an empty slice.
	SetPopAll(ctx context.Context, key string) ([]string, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Well-known key prefixes shared by writers and readers.
const (
	KeyBlockPrefix     = "ingest:block:" // + project id -> block code
	KeyDedupPrefix     = "ingest:seen:"  // + project id + ":" + event id
	KeyRecentIssues    = "alerts:recent-issues"
	KeyThrottleReaudit = "billing:reaudit" // org ids pending plan re-evaluation
)
