package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrConcurrencyExhausted matches every ConcurrencyExhaustedError.
var ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

// ConcurrencyExhaustedError is returned when a DDL statement kept failing
// for every allowed attempt.
type ConcurrencyExhaustedError struct {
	SQL      string
	Attempts int
	Err      error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v\nSQL: %s", ErrConcurrencyExhausted, e.Attempts, e.Err, e.SQL)
}

func (e *ConcurrencyExhaustedError) Unwrap() error { return e.Err }

func (e *ConcurrencyExhaustedError) Is(target error) bool { return target == ErrConcurrencyExhausted }

// retryExecutor runs DDL that other processes may be racing to apply. Each
// attempt runs in its own transaction.
type retryExecutor struct {
	target      Target
	dialect     Dialect
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetryExecutor(target Target, dialect Dialect, cfg RetryConfig) *retryExecutor {
	return &retryExecutor{
		target:      target,
		dialect:     dialect,
		maxAttempts: cfg.MaxAttempts,
		minDelay:    time.Duration(cfg.MinDelayMS) * time.Millisecond,
		maxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		sleep:       sleepContext,
	}
}

// Exec runs sql until it succeeds, fails with an allow-listed or "already
// exists" error (both count as success), or attempts run out.
func (r *retryExecutor) Exec(ctx context.Context, sql string, allow ...string) error {
	attempts := max(r.maxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.attempt(ctx, sql)
		if err == nil {
			return nil
		}
		if r.dialect.IsAlreadyExists(err) || matchesAllowList(err, allow) {
			log.Debug().Err(err).Str("sql", sql).Msg("concurrent change already applied")
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := r.jitter()
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("  DDL failed, retrying")
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
	return &ConcurrencyExhaustedError{SQL: sql, Attempts: attempts, Err: lastErr}
}

func (r *retryExecutor) attempt(ctx context.Context, sql string) error {
	tx, err := r.target.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *retryExecutor) jitter() time.Duration {
	if r.maxDelay <= r.minDelay {
		return r.minDelay
	}
	return r.minDelay + rand.N(r.maxDelay-r.minDelay+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
