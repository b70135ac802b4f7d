package s3

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaManagerUnlimited(t *testing.T) {
	qm := NewQuotaManager(0)
	require.NoError(t, qm.CheckAndReserve("b", 1<<40))
	assert.Equal(t, int64(1<<40), qm.UsedBytes())
	assert.Equal(t, int64(-1), qm.Stats().AvailableBytes)
}

func TestQuotaManagerGlobalLimit(t *testing.T) {
	qm := NewQuotaManager(100)
	require.NoError(t, qm.CheckAndReserve("a", 60))
	require.NoError(t, qm.CheckAndReserve("b", 40))

	err := qm.CheckAndReserve("a", 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	qm.Release("b", 40)
	require.NoError(t, qm.CheckAndReserve("a", 1))
	assert.Equal(t, int64(61), qm.BucketUsedBytes("a"))
	assert.Equal(t, int64(0), qm.BucketUsedBytes("b"))
}

func TestQuotaManagerBucketLimit(t *testing.T) {
	qm := NewQuotaManager(0)
	qm.SetLimit("a", 10)
	assert.Equal(t, int64(10), qm.Limit("a"))

	require.NoError(t, qm.CheckAndReserve("a", 10))
	assert.ErrorIs(t, qm.CheckAndReserve("a", 1), ErrQuotaExceeded)
	assert.ErrorIs(t, qm.Check("a", 1), ErrQuotaExceeded)
	require.NoError(t, qm.CheckAndReserve("b", 100), "other buckets are unaffected")
}

func TestQuotaManagerResetIsIdempotent(t *testing.T) {
	qm := NewQuotaManager(0)
	qm.SetLimit("a", 5)
	qm.Reset("a")
	qm.Reset("a")
	qm.Reset("never-limited")

	assert.Equal(t, int64(0), qm.Limit("a"))
	require.NoError(t, qm.CheckAndReserve("a", 1000))
}

func TestQuotaManagerZeroReserveIsFree(t *testing.T) {
	qm := NewQuotaManager(1)
	require.NoError(t, qm.CheckAndReserve("a", 1))
	require.NoError(t, qm.CheckAndReserve("a", 0))
}

func TestQuotaManagerReleaseClampsAtZero(t *testing.T) {
	qm := NewQuotaManager(0)
	require.NoError(t, qm.CheckAndReserve("a", 10))
	qm.Release("a", 20)
	assert.Equal(t, int64(0), qm.UsedBytes())
	assert.NotContains(t, qm.Stats().PerBucket, "a")
}

func TestQuotaManagerSetUsedAndForget(t *testing.T) {
	qm := NewQuotaManager(0)
	qm.SetUsed("a", 30)
	qm.SetUsed("b", 20)
	qm.SetUsed("a", 10)
	assert.Equal(t, int64(30), qm.UsedBytes())

	qm.SetLimit("a", 50)
	qm.Forget("a")
	assert.Equal(t, int64(20), qm.UsedBytes())
	assert.Equal(t, int64(0), qm.Limit("a"))

	stats := qm.Stats()
	assert.Equal(t, map[string]int64{"b": 20}, stats.PerBucket)
	assert.Empty(t, stats.Limits)
}

func TestQuotaManagerConcurrentReserve(t *testing.T) {
	qm := NewQuotaManager(100)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if qm.CheckAndReserve("a", 10) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
	assert.Equal(t, int64(100), qm.UsedBytes())
}
