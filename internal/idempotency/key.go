// Package idempotency derives duplicate-detection keys for order submission.
//
// The lookup key is deterministic over (account, ticker, side, qty, signal,
// minute bucket): two submissions of the same logical intent inside one bucket
// collide on it, which is how accidental retries are caught before any broker
// call. The storage key appends a random suffix so the persisted unique column
// still allows a genuinely new trade with identical parameters in a later
// bucket, or after the earlier order is found and returned as a duplicate.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BucketSeconds is the coarse time granularity for duplicate detection.
const BucketSeconds = 60

// LookupKey returns the deterministic duplicate-detection key for a trade
// intent at time t. Stable within a bucket, distinct across buckets.
func LookupKey(accountID, ticker, side string, qty float64, signalID string, t time.Time) string {
	bucket := t.Unix() / BucketSeconds
	material := fmt.Sprintf("%s|%s|%s|%.6f|%s|%d",
		accountID, strings.ToUpper(ticker), strings.ToLower(side), qty, signalID, bucket)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

// StorageKey returns the globally unique key persisted with the order: the
// lookup prefix plus a fresh random suffix.
func StorageKey(lookupKey string) string {
	return lookupKey + "-" + uuid.NewString()[:8]
}
