package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	pingTimeout    = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// waitReady pings until the backend answers, backing off exponentially
// between attempts. Containers for MariaDB and Redis often start after the
// app does. It gives up early when ctx ends.
func waitReady(ctx context.Context, name string, attempts int, ping func(context.Context) error) error {
	attempts = max(attempts, 1)
	backoff := initialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		slog.Warn(name+" not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("pinging %s after %d attempts: %w", name, attempts, err)
}
