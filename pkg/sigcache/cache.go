// Package sigcache holds the per-run sets of primary key signatures seen
// during extraction. The dedup processor writes them and the deletion
// detector diffs the current run's set against the previous completed run.
package sigcache

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a run's signature set survives
const DefaultTTL = 7 * 24 * time.Hour

// Cache is the set store used for per-run signature sets
type Cache interface {
	// Add adds signatures to the set at key and (re)sets its expiry
	Add(ctx context.Context, key string, signatures []string, ttl time.Duration) error

	// Difference returns members of base that are not members of subtract
	Difference(ctx context.Context, base, subtract string) ([]string, error)

	// Members returns every member of the set at key
	Members(ctx context.Context, key string) ([]string, error)

	// Close releases any resources held by the cache
	Close() error
}

// RunKey returns the set key for the signatures seen by one sync run
func RunKey(syncID, runID string) string {
	return fmt.Sprintf("sync:%s:run:%s:pk_signatures", syncID, runID)
}
