// Package store provides fixed-window counter backends for rate limiting.
package store

import (
	"context"
	"time"
)

// Window is the state of a key's fixed window after a Take.
type Window struct {
	// Count is the number of requests admitted in the current window.
	Count int64

	// ResetAt is the instant after which the window is replaced.
	ResetAt time.Time

	// Limited reports that the request was refused. Count is not incremented
	// for refused requests.
	Limited bool
}

// Store defines the interface for rate window storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Take performs the read-decide-write sequence for one request atomically:
	//  1. If the key has no window or now is strictly after ResetAt, a new window
	//     with Count=1 and ResetAt=now+window replaces it.
	//  2. Otherwise, if Count >= limit, the request is refused (Limited=true)
	//     and the window is left untouched.
	//  3. Otherwise Count is incremented.
	Take(ctx context.Context, key string, limit int64, window time.Duration) (Window, error)

	// Get retrieves the current count for the given key without consuming.
	// Returns 0 if the key doesn't exist or its window has passed.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the window for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
