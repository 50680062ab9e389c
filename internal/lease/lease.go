// Package lease provides short-lived exclusive leases keyed by name. The
// lifecycle engine holds one per session for the duration of a task
// ingestion pass; failing to acquire means another pass is in flight.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"
)

// Locker hands out leases
type Locker interface {
	// TryAcquire attempts to take key for ttl without blocking.
	// Returns (nil, nil) when the key is held by someone else.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held key
type Lease interface {
	Key() string
	// Extend pushes the expiry to ttl from now. Returns false when the
	// lease already expired and someone else took the key.
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Keep renews l every ttl/3 until the returned cancel is called. The returned
// context is cancelled as soon as the lease is lost or cannot be renewed.
func Keep(ctx context.Context, l Lease, ttl time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := l.Extend(ctx, ttl)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				slog.Warn("lease lost", "key", l.Key(), "error", err)
				cancel()
				return
			}
		}
	}()

	return ctx, cancel
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format(time.RFC3339Nano)
	}
	return hex.EncodeToString(b)
}
