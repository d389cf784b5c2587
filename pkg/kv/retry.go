package kv

import (
	"context"
	"time"
)

// sleepBackoff waits base * 2^(attempt-1), capped at 5s, honoring ctx
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base << uint(attempt-1)
	if max := 5 * time.Second; delay > max {
		delay = max
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
