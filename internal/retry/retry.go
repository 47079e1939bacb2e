// Package retry wraps cenkalti/backoff with the bounded-exponential-retry
// idiom the teacher uses for its own flaky I/O (gRPC transport retries),
// generalized here for the SQL status-store round-trips (§4.6) and the
// sudo-mediated cgroup permission fixups (§4.5) — both bounded total
// timeouts rather than unlimited retry loops.
package retry

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config controls one Do call.
type Config struct {
	Enabled         bool
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Default returns the retry policy used for the status-store sync
// round-trip: a handful of quick attempts, since the whole operation is
// itself bounded by a ~5s per-tick timeout (§5).
func Default() Config {
	return Config{
		Enabled:         true,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2,
	}
}

// Privileged returns the retry policy for the sudo-backed chown
// fixup that precedes a cgroup write (§4.5): fewer, more spaced-out
// attempts, since invoking sudo repeatedly in a tight loop is itself
// costly.
func Privileged() Config {
	return Config{
		Enabled:         true,
		MaxRetries:      1,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2,
	}
}

func normalize(cfg Config) Config {
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 1 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return cfg
}

// Do runs fn, retrying transient failures per cfg's exponential backoff
// until MaxRetries is exhausted, the context is cancelled, or fn returns a
// non-retryable error.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if !cfg.Enabled {
		return fn(ctx)
	}
	cfg = normalize(cfg)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || !IsRetryable(err) {
			return err
		}
		if attempts >= cfg.MaxRetries {
			return err
		}
		attempts++

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryable classifies an error for retry purposes. Filesystem
// not-found and permission errors are permanent within a tick (§7: a
// vanished identifier is a soft failure handled by the caller, not a
// reason to retry; a permission error is handled by the sudo fixup path,
// not blind retry). Everything else — timeouts, connection resets, driver
// busy errors — is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
