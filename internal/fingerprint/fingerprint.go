// Package fingerprint derives the deterministic dedup hash for events.
// The fingerprint collapses duplicate deliveries of one logical occurrence:
// it covers tenant, delivery, kind and a coarsened time bucket, so flaky
// webhook retries inside a bucket hash identically while genuinely repeated
// user actions in later buckets hash apart.
package fingerprint

import (
	"encoding/hex"
	"hash"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"telemetry-service/internal/model"
)

const fieldSep = "\x1f"

// Hasher computes event fingerprints using a pool of murmur3 hashers to
// avoid per-event allocation on the hot path.
type Hasher struct {
	bucket     time.Duration
	hasherPool sync.Pool
}

// NewHasher creates a Hasher with the given coarsening bucket.
func NewHasher(bucket time.Duration) *Hasher {
	h := &Hasher{bucket: bucket}
	h.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New128()
		},
	}
	return h
}

// Fingerprint returns the hex dedup hash for one logical occurrence.
// The timestamp is truncated to the coarsening bucket before hashing.
func (h *Hasher) Fingerprint(orgID, deliveryID string, kind model.EventKind, at time.Time) string {
	bucket := at.UTC().Truncate(h.bucket).Unix()

	hasher := h.hasherPool.Get().(hash.Hash)
	defer h.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(orgID))
	hasher.Write([]byte(fieldSep))
	hasher.Write([]byte(deliveryID))
	hasher.Write([]byte(fieldSep))
	hasher.Write([]byte(kind))
	hasher.Write([]byte(fieldSep))
	hasher.Write([]byte(strconv.FormatInt(bucket, 10)))

	return hex.EncodeToString(hasher.Sum(nil))
}

// Bucket returns the coarsening bucket size.
func (h *Hasher) Bucket() time.Duration {
	return h.bucket
}

// UserBucket returns a stable partition bucket for a user id, used as the
// ScyllaDB partition key component so event-log partitions stay bounded.
func UserBucket(userID string, buckets int) int {
	if buckets <= 0 {
		buckets = 1
	}
	h64 := murmur3.Sum64([]byte(userID))
	return int(h64 % uint64(buckets))
}
