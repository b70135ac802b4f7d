package reclaim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versohq/verso/internal/backend"
)

type stubChecker struct {
	mu         sync.Mutex
	referenced map[string]bool
	err        error
	calls      int
}

func (c *stubChecker) IsReferenced(_ context.Context, bucket string, loc backend.Location) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	return c.referenced[bucket+"/"+loc.Key], nil
}

func newTestReclaimer(t *testing.T, checker Checker, deleter Deleter, reg prometheus.Registerer) *Reclaimer {
	t.Helper()
	r := New(Config{
		Checker:        checker,
		Deleter:        deleter,
		Logger:         zerolog.Nop(),
		Registerer:     reg,
		Workers:        2,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		FlushInterval:  time.Hour,
	})
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func waitReclaim(t *testing.T, r *Reclaimer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func putBlob(t *testing.T, m *backend.Memory, data string) backend.Location {
	t.Helper()
	loc, err := m.Put(context.Background(), strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return loc
}

func TestReclaimer_DeletesUnreferenced(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "one")
	l2 := putBlob(t, mem, "two")
	reg := prometheus.NewRegistry()
	r := newTestReclaimer(t, &stubChecker{}, mem, reg)

	r.Enqueue("b", []backend.Location{l1, l2})
	waitReclaim(t, r)

	assert.False(t, mem.Has(l1))
	assert.False(t, mem.Has(l2))
	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Deleted)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.Deleted))
}

func TestReclaimer_SkipsReferenced(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "shared")
	checker := &stubChecker{referenced: map[string]bool{"b/" + l1.Key: true}}
	r := newTestReclaimer(t, checker, mem, nil)

	r.Enqueue("b", []backend.Location{l1})
	waitReclaim(t, r)

	assert.True(t, mem.Has(l1))
	assert.Equal(t, int64(1), r.Stats().Skipped)
	assert.Empty(t, mem.Deletes())
}

func TestReclaimer_EmptyEnqueueIsNoop(t *testing.T) {
	checker := &stubChecker{}
	r := newTestReclaimer(t, checker, backend.NewMemory("mem"), nil)

	r.Enqueue("b", nil)
	waitReclaim(t, r)
	assert.Equal(t, 0, checker.calls)
}

func TestReclaimer_Dedupes(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "x")
	r := New(Config{Checker: &stubChecker{}, Deleter: mem, Logger: zerolog.Nop()})

	// Not started: duplicates collapse in the pending map.
	r.Enqueue("b", []backend.Location{l1, l1})
	r.Enqueue("b", []backend.Location{l1})
	assert.Equal(t, 1, r.Stats().Pending)

	r.Start()
	t.Cleanup(r.Stop)
	waitReclaim(t, r)
	assert.Len(t, mem.Deletes(), 1)
}

func TestReclaimer_RetriesTransientFailures(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "flaky")
	mem.FailDeletes(2, errors.New("backend unavailable"))
	r := newTestReclaimer(t, &stubChecker{}, mem, nil)

	r.Enqueue("b", []backend.Location{l1})
	waitReclaim(t, r)

	assert.False(t, mem.Has(l1))
	assert.Equal(t, int64(1), r.Stats().Deleted)
	assert.Equal(t, int64(0), r.Stats().Failed)
}

func TestReclaimer_GivesUpAfterRequeues(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "stuck")
	// 3 attempts per drain, 1 + 3 requeued drains.
	mem.FailDeletes(100, errors.New("backend unavailable"))
	r := newTestReclaimer(t, &stubChecker{}, mem, nil)

	r.Enqueue("b", []backend.Location{l1})
	waitReclaim(t, r)

	assert.True(t, mem.Has(l1))
	assert.Equal(t, int64(1), r.Stats().Failed)
	assert.Equal(t, int64(0), r.Stats().Deleted)
}

func TestReclaimer_CheckErrorNeverDeletes(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "doubt")
	checker := &stubChecker{err: errors.New("metadata unavailable")}
	r := newTestReclaimer(t, checker, mem, nil)

	r.Enqueue("b", []backend.Location{l1})
	waitReclaim(t, r)

	assert.True(t, mem.Has(l1))
	assert.Equal(t, 4, checker.calls)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestReclaimer_UnknownBackendDropped(t *testing.T) {
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(backend.NewMemory("mem")))
	r := newTestReclaimer(t, &stubChecker{}, reg, nil)

	r.Enqueue("b", []backend.Location{{Key: "k", Backend: "gone"}})
	waitReclaim(t, r)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

// stallingDeleter blocks its first delete until the context ends.
type stallingDeleter struct {
	*backend.Memory
	entered chan struct{}
	once    sync.Once
}

func (d *stallingDeleter) Delete(ctx context.Context, loc backend.Location) error {
	stalled := false
	d.once.Do(func() { stalled = true })
	if stalled {
		close(d.entered)
		<-ctx.Done()
		return ctx.Err()
	}
	return d.Memory.Delete(ctx, loc)
}

func TestReclaimer_StopFinishesInterruptedDeletes(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "busy")
	deleter := &stallingDeleter{Memory: mem, entered: make(chan struct{})}
	r := New(Config{
		Checker:        &stubChecker{},
		Deleter:        deleter,
		Logger:         zerolog.Nop(),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		FlushInterval:  time.Hour,
	})
	r.Start()

	r.Enqueue("b", []backend.Location{l1})
	select {
	case <-deleter.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("delete never started")
	}
	r.Stop()

	assert.False(t, mem.Has(l1))
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Deleted)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestReclaimer_StopDrainsPending(t *testing.T) {
	mem := backend.NewMemory("mem")
	l1 := putBlob(t, mem, "late")
	r := New(Config{Checker: &stubChecker{}, Deleter: mem, Logger: zerolog.Nop()})

	r.Enqueue("b", []backend.Location{l1})
	r.Stop()

	assert.False(t, mem.Has(l1))
}
