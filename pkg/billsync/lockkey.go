package billsync

import "github.com/cespare/xxhash/v2"

const lockNamespace = "billsync:customer:"

// LockKey derives the advisory lock key for customer creation of userID.
// The mapping is stable across processes and releases.
func LockKey(userID string) int64 {
	return int64(xxhash.Sum64String(lockNamespace + userID)) //nolint:gosec // wraparound is fine for a lock key
}
