package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/harmonymwirigi/patabasefiti-payments/log"
)

const (
	lockKeyPrefix     = "payments:lock:ref:"
	defaultLockExpiry = 5 * time.Second
)

// Locker errors.
var (
	// ErrLockBusy means another worker holds the per-reference lock.
	// Transient: the caller retries shortly, and never surfaces this to
	// the original requester as a failure.
	ErrLockBusy = errors.New("reference lock held by another worker")
	// ErrEmptyReference is returned when a lock is requested for an empty
	// reference.
	ErrEmptyReference = errors.New("lock reference cannot be empty")
)

// Locker provides the per-external-reference exclusive lock that serializes
// callback, poll and initiation mutations of one transaction across worker
// processes. Locks auto-expire so a crashed holder cannot deadlock a
// reference; the expiry bounds how long any caller may hold the lock, which
// in turn is bounded by the gateway call timeout plus store write latency.
type Locker struct {
	redsync *redsync.Redsync
	expiry  time.Duration
	logger  log.Logger
}

// NewLocker creates a lock manager on the given Redis client. A
// non-positive expiry falls back to 5 seconds.
func NewLocker(client redis.UniversalClient, expiry time.Duration, logger log.Logger) *Locker {
	if expiry <= 0 {
		expiry = defaultLockExpiry
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Locker{
		redsync: redsync.New(goredis.NewPool(client)),
		expiry:  expiry,
		logger:  logger,
	}
}

// WithReferenceLock executes fn while holding the exclusive lock for the
// given external reference. Acquisition is a single try: if another worker
// holds the lock, ErrLockBusy is returned without executing fn.
func (l *Locker) WithReferenceLock(ctx context.Context, reference string, fn func(context.Context) error) error {
	if strings.TrimSpace(reference) == "" {
		return ErrEmptyReference
	}

	mutex := l.redsync.NewMutex(
		lockKeyPrefix+reference,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.logger.Log(ctx, log.LevelDebug, "reference lock busy",
				log.String("external_reference", reference))

			return fmt.Errorf("%w: %s", ErrLockBusy, reference)
		}

		return fmt.Errorf("failed to acquire reference lock for %s: %w", reference, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			l.logger.Log(ctx, log.LevelError, "failed to release reference lock",
				log.String("external_reference", reference), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	return fn(ctx)
}

// isContention distinguishes "lock already taken" from real failures such
// as network errors or context cancellation. redsync reports contention
// through ErrFailed and taken-error messages.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
