package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultClaimTTL outlives the delivery grace window, after which an
// occurrence is no longer selected for dispatch anyway.
const DefaultClaimTTL = 15 * time.Minute

// ClaimStore hands out one dispatch claim per (reminder, due date, attempt)
// across every server instance. A claim is never released: the attempt
// number in the key moves on with each retry.
type ClaimStore struct {
	client *Client
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

// NewClaimStore returns a claim store recording owner as the holder of the
// claims it wins.
func NewClaimStore(client *Client, owner string, ttl time.Duration, logger *zap.Logger) *ClaimStore {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &ClaimStore{client: client, owner: owner, ttl: ttl, logger: logger}
}

func claimKey(reminderID string, due time.Time, attempt int) string {
	return fmt.Sprintf("dispatch:%s:%d:%d", reminderID, due.Unix(), attempt)
}

// Claim reports whether this instance won the claim.
func (s *ClaimStore) Claim(ctx context.Context, reminderID string, due time.Time, attempt int) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, claimKey(reminderID, due, attempt), s.owner, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		s.logger.Debug("dispatch claim held elsewhere",
			zap.String("reminder_id", reminderID),
			zap.Int("attempt", attempt),
		)
	}
	return ok, nil
}

// Holder returns the owner of a claim, or "" if it is unclaimed.
func (s *ClaimStore) Holder(ctx context.Context, reminderID string, due time.Time, attempt int) (string, error) {
	v, err := s.client.rdb.Get(ctx, claimKey(reminderID, due, attempt)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return v, nil
}
