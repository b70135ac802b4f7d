package s3

import (
	"fmt"
	"sync"
)

// QuotaManager tracks storage usage and enforces a global limit plus
// optional per-bucket limits.
type QuotaManager struct {
	maxBytes  int64 // 0 = unlimited
	usedBytes int64
	perBucket map[string]int64
	limits    map[string]int64 // per-bucket, absent = unlimited
	mu        sync.RWMutex
}

// NewQuotaManager creates a new quota manager.
// maxBytes of 0 means unlimited.
func NewQuotaManager(maxBytes int64) *QuotaManager {
	return &QuotaManager{
		maxBytes:  maxBytes,
		perBucket: make(map[string]int64),
		limits:    make(map[string]int64),
	}
}

// UsedBytes returns the current total storage usage.
func (qm *QuotaManager) UsedBytes() int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.usedBytes
}

// BucketUsedBytes returns the storage usage for a specific bucket.
func (qm *QuotaManager) BucketUsedBytes(bucket string) int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.perBucket[bucket]
}

// Limit returns the bucket's limit, 0 if unlimited.
func (qm *QuotaManager) Limit(bucket string) int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.limits[bucket]
}

// SetLimit sets the bucket's limit. A limit of 0 or less removes it.
func (qm *QuotaManager) SetLimit(bucket string, bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if bytes <= 0 {
		delete(qm.limits, bucket)
		return
	}
	qm.limits[bucket] = bytes
}

// Reset makes the bucket unlimited. It succeeds whether or not a limit was set.
func (qm *QuotaManager) Reset(bucket string) {
	qm.SetLimit(bucket, 0)
}

// Check reports whether bytes could be admitted without reserving them.
func (qm *QuotaManager) Check(bucket string, bytes int64) error {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.checkLocked(bucket, bytes)
}

func (qm *QuotaManager) checkLocked(bucket string, bytes int64) error {
	if qm.maxBytes > 0 && qm.usedBytes+bytes > qm.maxBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, qm.usedBytes, qm.maxBytes)
	}
	if limit, ok := qm.limits[bucket]; ok && qm.perBucket[bucket]+bytes > limit {
		return fmt.Errorf("%w: bucket %s uses %d of %d bytes", ErrQuotaExceeded, bucket, qm.perBucket[bucket], limit)
	}
	return nil
}

// CheckAndReserve admits bytes for bucket or returns ErrQuotaExceeded.
// A successful reservation must be released if the write does not commit.
func (qm *QuotaManager) CheckAndReserve(bucket string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if err := qm.checkLocked(bucket, bytes); err != nil {
		return err
	}
	qm.usedBytes += bytes
	qm.perBucket[bucket] += bytes
	return nil
}

// Release records storage deallocation for a bucket.
func (qm *QuotaManager) Release(bucket string, bytes int64) {
	if bytes <= 0 {
		return
	}
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.usedBytes -= bytes
	if qm.usedBytes < 0 {
		qm.usedBytes = 0
	}

	qm.perBucket[bucket] -= bytes
	if qm.perBucket[bucket] <= 0 {
		delete(qm.perBucket, bucket)
	}
}

// SetUsed sets the current usage (used during initialization/recovery).
func (qm *QuotaManager) SetUsed(bucket string, bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	oldBucket := qm.perBucket[bucket]
	qm.usedBytes = qm.usedBytes - oldBucket + bytes

	if bytes > 0 {
		qm.perBucket[bucket] = bytes
	} else {
		delete(qm.perBucket, bucket)
	}
}

// Forget drops all state for a deleted bucket.
func (qm *QuotaManager) Forget(bucket string) {
	qm.SetUsed(bucket, 0)
	qm.Reset(bucket)
}

// QuotaStats is a snapshot of quota usage.
type QuotaStats struct {
	MaxBytes       int64            `json:"max_bytes"`
	UsedBytes      int64            `json:"used_bytes"`
	AvailableBytes int64            `json:"available_bytes"` // -1 if unlimited
	PerBucket      map[string]int64 `json:"per_bucket"`
	Limits         map[string]int64 `json:"limits"`
}

// Stats returns current quota statistics.
func (qm *QuotaManager) Stats() QuotaStats {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	perBucket := make(map[string]int64, len(qm.perBucket))
	for k, v := range qm.perBucket {
		perBucket[k] = v
	}
	limits := make(map[string]int64, len(qm.limits))
	for k, v := range qm.limits {
		limits[k] = v
	}

	avail := int64(-1)
	if qm.maxBytes > 0 {
		avail = qm.maxBytes - qm.usedBytes
		if avail < 0 {
			avail = 0
		}
	}

	return QuotaStats{
		MaxBytes:       qm.maxBytes,
		UsedBytes:      qm.usedBytes,
		AvailableBytes: avail,
		PerBucket:      perBucket,
		Limits:         limits,
	}
}
