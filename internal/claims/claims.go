// Package claims records which distributed task deliveries finished so a
// redelivered duplicate is acknowledged without being counted twice.
package claims

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a finished task key is remembered.
const DefaultTTL = 72 * time.Hour

// Store remembers finished task keys.
type Store interface {
	// Done reports whether key already finished.
	Done(ctx context.Context, key string) (bool, error)
	// MarkDone records key as finished. It reports false when another
	// delivery recorded it first.
	MarkDone(ctx context.Context, key string) (bool, error)
}
