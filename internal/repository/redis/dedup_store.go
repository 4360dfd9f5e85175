package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/util"
)

const (
	fingerprintPrefix = "fp:"
	deliveredPrefix   = "delivered:"

	deliveredTTL = 48 * time.Hour
)

// ErrDedupStoreUnavailable signals that the admission verdict could not be
// obtained at all. Callers must treat this as "do not admit": admission
// fails closed so a store outage can never double-count events.
var ErrDedupStoreUnavailable = errors.New("dedup store unavailable")

// DedupStore owns the fingerprint admission keys. One key per logical
// occurrence, tenant-scoped, written with SETNX so exactly one concurrent
// writer wins.
type DedupStore struct {
	client *client.RedisClient
}

func NewDedupStore(client *client.RedisClient) *DedupStore {
	return &DedupStore{client: client}
}

// Admit attempts to claim the fingerprint. Returns true when this caller is
// the first writer, false when the key already exists. ttl == 0 claims the
// fingerprint without expiry, for kinds whose dedup window is unbounded.
func (c *DedupStore) Admit(ctx context.Context, orgID, fp string, ttl time.Duration) (bool, error) {
	key := fingerprintPrefix + orgID + ":" + fp

	won, err := c.client.SetNX(ctx, key, "1", ttl)
	if err != nil {
		util.Error("Failed to claim fingerprint",
			zap.String("org_id", orgID),
			zap.String("fingerprint", fp),
			zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrDedupStoreUnavailable, err)
	}

	return won, nil
}

// Seen reports whether the fingerprint is already claimed, without claiming
// it. Used by the stats endpoint, never on the admission path.
func (c *DedupStore) Seen(ctx context.Context, orgID, fp string) (bool, error) {
	key := fingerprintPrefix + orgID + ":" + fp

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDedupStoreUnavailable, err)
	}
	return exists, nil
}

// RecordDelivery stores when a delivery reached the user, for the mail
// gateway prefetch heuristic. Entries expire after 48 hours.
func (c *DedupStore) RecordDelivery(ctx context.Context, orgID, deliveryID string, at time.Time) error {
	key := deliveredPrefix + orgID + ":" + deliveryID

	if err := c.client.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), deliveredTTL); err != nil {
		return fmt.Errorf("failed to record delivery time: %w", err)
	}
	return nil
}

// DeliveredAt returns when the delivery landed. found is false when the
// delivery is unknown or the entry expired.
func (c *DedupStore) DeliveredAt(ctx context.Context, orgID, deliveryID string) (time.Time, bool, error) {
	key := deliveredPrefix + orgID + ":" + deliveryID

	val, err := c.client.Get(ctx, key)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get delivery time: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid delivery timestamp: %w", err)
	}
	return at, true, nil
}

// Release drops a claimed fingerprint. Only used when persistence of an
// admitted event fails and the claim must be rolled back so a retry can
// win again.
func (c *DedupStore) Release(ctx context.Context, orgID, fp string) error {
	key := fingerprintPrefix + orgID + ":" + fp

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to release fingerprint",
			zap.String("org_id", orgID),
			zap.String("fingerprint", fp),
			zap.Error(err))
		return fmt.Errorf("failed to release fingerprint: %w", err)
	}
	return nil
}
