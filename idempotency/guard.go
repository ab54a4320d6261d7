package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harmonymwirigi/patabasefiti-payments/log"
)

const claimKeyPrefix = "payments:callback:"

// Guard performs atomic check-and-set claims against Redis to detect
// duplicate callback deliveries.
type Guard struct {
	client redis.UniversalClient
	logger log.Logger
}

// NewGuard creates a dedup guard on the given Redis client. A nil logger
// falls back to the no-op logger.
func NewGuard(client redis.UniversalClient, logger log.Logger) *Guard {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Guard{client: client, logger: logger}
}

// PayloadHash returns the hex SHA-256 of a raw callback body. The hash is
// part of the claim key so that a re-delivery of the identical payload is
// recognized as a duplicate, while a genuinely different callback for the
// same reference is not.
func PayloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:])
}

// TryClaim attempts to claim the (reference, payloadHash) pair for the
// given TTL. It returns false when the pair was already claimed and has not
// expired: the event is a duplicate and must be discarded without applying
// state transitions.
func (g *Guard) TryClaim(ctx context.Context, reference, payloadHash string, ttl time.Duration) (bool, error) {
	key := claimKeyPrefix + reference + ":" + payloadHash

	granted, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim callback key: %w", err)
	}

	if !granted {
		g.logger.Log(ctx, log.LevelDebug, "duplicate callback delivery detected",
			log.String("external_reference", reference))
	}

	return granted, nil
}

// Release drops a claim so a re-delivery can be processed again. Used when
// processing fails after the claim was taken; the gateway will retry the
// callback and must not see it deduplicated.
func (g *Guard) Release(ctx context.Context, reference, payloadHash string) error {
	key := claimKeyPrefix + reference + ":" + payloadHash

	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release callback claim: %w", err)
	}

	return nil
}
