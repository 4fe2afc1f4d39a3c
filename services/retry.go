package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds retries of transient lock contention.
type RetryPolicy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 10 * time.Millisecond
	}
	return p
}

// isRetryable reports lock contention worth another attempt. Domain errors never are.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03": // serialization / deadlock / lock_not_available
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked") ||
		errors.Is(err, errVersionConflict)
}

// errVersionConflict signals a lost compare-and-swap; the caller re-reads and retries.
var errVersionConflict = errors.New("version conflict")

// withRetry runs op until it succeeds, fails permanently, or attempts run out.
func withRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	p := policy.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = 50 * p.InitialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if isRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxAttempts))
	return err
}
