/**
 * @description
 * Transaction runner: executes a unit of work inside a store transaction
 * with bounded retry on transient conflicts. PostgreSQL signals these as
 * SQLSTATE 40001 (serialization failure), 40P01 (deadlock detected) and
 * 55P03 (lock not available); everything else, domain failures included,
 * is fatal and propagates unchanged after rollback.
 *
 * Retries are an iterative loop with capped exponential backoff plus
 * random jitter, so stack depth stays constant regardless of attempts.
 */

package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// DefaultMaxAttempts bounds the retry budget for one unit of work.
	DefaultMaxAttempts = 3

	backoffBase   = 50 * time.Millisecond
	backoffCap    = 400 * time.Millisecond
	backoffJitter = 50 * time.Millisecond
)

// SQLSTATE codes PostgreSQL uses for conflicts that a fresh attempt can
// resolve.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// isRetryable classifies a failure as a transient store conflict.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}

	// Drivers occasionally wrap conflict errors without a SQLSTATE.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "lock wait timeout")
}

// backoffDelay computes the sleep before the given retry (attempt is
// 1-based): base doubled per attempt, capped, plus bounded random jitter.
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(backoffJitter)))
}

// runWithRetry drives fn until it succeeds, fails fatally, or exhausts the
// attempt budget. The final error is returned unchanged so callers can
// still classify it.
func runWithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !isRetryable(err) {
			return err
		}

		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
