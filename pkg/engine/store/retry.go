package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/carriersift/carriersift/internal/logger"
)

// Transient database errors (dropped connection, lock contention, timeout)
// are retried with exponential backoff before they bubble up and abort a
// worker invocation. Constraint violations, not-found and cancellation are
// deterministic and surface immediately.
const (
	maxTransientRetries = 3
	transientBaseDelay  = 100 * time.Millisecond
)

// withRetry runs op, retrying transient errors up to maxTransientRetries
// times. Transactions roll back on failure, so re-running the whole op is
// safe; an op whose commit landed but whose ack was lost surfaces as a
// constraint violation on the retry and is handled by the caller's
// duplicate path.
func withRetry(ctx context.Context, op func() error) error {
	delay := transientBaseDelay
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || attempt >= maxTransientRetries || !isTransientError(err) {
			return err
		}

		logger.Warn("Transient database error, retrying",
			"attempt", attempt+1,
			"max_retries", maxTransientRetries,
			"delay", delay.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// isTransientError reports whether the error is worth retrying. The match
// is a whitelist: anything unrecognized is treated as deterministic.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || isUniqueConstraintError(err) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"bad connection",
		"unexpected eof",
		"conn closed",
		"database is locked",       // SQLITE_BUSY
		"database table is locked", // SQLITE_LOCKED
		"too many connections",
		"the database system is starting up",
		"cannot acquire lock",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
