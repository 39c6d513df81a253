// Package fingerprint derives the stable content hashes and key names used
// throughout the pipeline: the contract body fingerprint, and the cache,
// lock, and quota keys built from it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Hash returns the lowercase hex-encoded SHA-256 digest of body's UTF-8
// bytes. Deterministic and stable across processes and restarts.
func Hash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// AnalysisCacheKey returns the key-value store key holding the cached
// analysis result summary for the given fingerprint.
func AnalysisCacheKey(fp string) string {
	return fmt.Sprintf("analysis:%s", fp)
}

// LockKey returns the single-flight lock key for the given fingerprint.
func LockKey(fp string) string {
	return fmt.Sprintf("lock:analysis:%s", fp)
}

// QuotaKey returns the quota counter key for a user in the UTC calendar
// month containing t.
func QuotaKey(userID string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", userID, t.UTC().Format("2006-01"))
}
