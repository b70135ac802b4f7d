// Package reclaim deletes physical data locations once no metadata record
// references them any more.
//
// Candidates are queued in memory only. A crash before a candidate is
// processed leaks the blob; it never deletes live data.
package reclaim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/versohq/verso/internal/backend"
)

// Checker reports whether any current record in bucket still lists loc.
type Checker interface {
	IsReferenced(ctx context.Context, bucket string, loc backend.Location) (bool, error)
}

// Deleter removes a blob. Deleting an absent blob must succeed.
type Deleter interface {
	Delete(ctx context.Context, loc backend.Location) error
}

// Config configures a Reclaimer.
type Config struct {
	Checker    Checker
	Deleter    Deleter
	Logger     zerolog.Logger
	Registerer prometheus.Registerer // nil disables metrics

	Workers        int           // concurrent deletes per drain (default 5)
	MaxRetries     int           // delete attempts per drain (default 5)
	Requeues       int           // times a failed candidate is queued again (default 3, negative for none)
	InitialBackoff time.Duration // default 100ms
	MaxBackoff     time.Duration // default 5s
	FlushInterval  time.Duration // periodic drain (default 5s)
	DrainTimeout   time.Duration // final drain on Stop (default 10s)
}

type entry struct {
	bucket  string
	loc     backend.Location
	retries int
}

func (e *entry) id() string {
	return e.bucket + "\x00" + e.loc.ID()
}

// Stats is a snapshot of reclaim activity.
type Stats struct {
	Pending  int   `json:"pending"`
	InFlight int   `json:"in_flight"`
	Deleted  int64 `json:"deleted"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// Reclaimer is a deduplicating, bounded-concurrency reclaim queue.
type Reclaimer struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	pending  map[string]*entry
	inflight int
	busy     bool
	idle     chan struct{}

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once

	deleted atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// New creates a Reclaimer. Call Start to begin processing.
func New(cfg Config) *Reclaimer {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Requeues < 0 {
		cfg.Requeues = 0
	} else if cfg.Requeues == 0 {
		cfg.Requeues = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Reclaimer{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "reclaim").Logger(),
		metrics: NewMetrics(cfg.Registerer),
		pending: make(map[string]*entry),
		idle:    idle,
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background worker.
func (r *Reclaimer) Start() {
	r.start.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Stop halts the worker and performs a final drain bounded by DrainTimeout.
func (r *Reclaimer) Stop() {
	r.cancel()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	r.drain(ctx, true)
}

// Enqueue schedules locs of bucket for reclaim. It never blocks and never
// drops a candidate; duplicates already pending are merged.
func (r *Reclaimer) Enqueue(bucket string, locs []backend.Location) {
	if len(locs) == 0 {
		return
	}
	r.mu.Lock()
	for _, loc := range locs {
		e := &entry{bucket: bucket, loc: loc}
		if _, ok := r.pending[e.id()]; ok {
			continue
		}
		r.pending[e.id()] = e
		r.metrics.enqueued()
	}
	r.markBusyLocked()
	r.metrics.setPending(len(r.pending))
	r.mu.Unlock()

	r.wake()
}

// Wait blocks until no candidate is pending or in flight.
func (r *Reclaimer) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.busy {
			r.mu.Unlock()
			return nil
		}
		ch := r.idle
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns current counters.
func (r *Reclaimer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Pending:  len(r.pending),
		InFlight: r.inflight,
		Deleted:  r.deleted.Load(),
		Skipped:  r.skipped.Load(),
		Failed:   r.failed.Load(),
	}
}

func (r *Reclaimer) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reclaimer) markBusyLocked() {
	if !r.busy && len(r.pending) > 0 {
		r.busy = true
		r.idle = make(chan struct{})
	}
}

func (r *Reclaimer) settleLocked() {
	if r.busy && len(r.pending) == 0 && r.inflight == 0 {
		r.busy = false
		close(r.idle)
	}
}

// run wakes up on signal or every FlushInterval.
func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.signal:
			r.drain(r.ctx, false)
		case <-ticker.C:
			r.drain(r.ctx, false)
		}
	}
}

// drain snapshots the pending map, clears it, and processes the entries
// with bounded concurrency. Nothing is queued again by the final drain.
func (r *Reclaimer) drain(ctx context.Context, final bool) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.pending))
	for id, e := range r.pending {
		entries = append(entries, e)
		delete(r.pending, id)
	}
	r.inflight += len(entries)
	r.metrics.setPending(0)
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	r.logger.Debug().Int("entries", len(entries)).Msg("Draining reclaim queue")

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)
	for _, e := range entries {
		g.Go(func() error {
			ok := r.process(ctx, e)
			r.finish(e, ok, ctx.Err() != nil, final)
			return nil
		})
	}
	_ = g.Wait()
}

// process handles one candidate and reports whether it is settled.
func (r *Reclaimer) process(ctx context.Context, e *entry) bool {
	if ctx.Err() != nil {
		return false
	}

	referenced, err := r.cfg.Checker.IsReferenced(ctx, e.bucket, e.loc)
	if err != nil {
		// Never delete on doubt.
		r.logger.Warn().Err(err).
			Str("bucket", e.bucket).
			Str("location", e.loc.ID()).
			Msg("Reclaim liveness check failed")
		return false
	}
	if referenced {
		r.skipped.Add(1)
		r.metrics.skip("referenced")
		r.logger.Debug().
			Str("bucket", e.bucket).
			Str("location", e.loc.ID()).
			Msg("Location still referenced, skipping reclaim")
		return true
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := r.cfg.Deleter.Delete(ctx, e.loc)
		switch {
		case err == nil, errors.Is(err, backend.ErrNotFound):
			return struct{}{}, nil
		case errors.Is(err, backend.ErrUnknownBackend):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(r.cfg.MaxRetries)))

	if err != nil {
		if errors.Is(err, backend.ErrUnknownBackend) {
			r.failed.Add(1)
			r.metrics.fail()
			r.logger.Error().Err(err).
				Str("bucket", e.bucket).
				Str("location", e.loc.ID()).
				Msg("Cannot reclaim location on unknown backend, dropping")
			return true
		}
		r.logger.Error().Err(err).
			Str("bucket", e.bucket).
			Str("location", e.loc.ID()).
			Int("retry", e.retries).
			Msg("Reclaim delete failed")
		return false
	}

	r.deleted.Add(1)
	r.metrics.delete()
	return true
}

// finish settles e, queueing it again on failure up to Requeues times.
// A candidate interrupted by Stop goes back unchanged for the final drain.
func (r *Reclaimer) finish(e *entry, ok, interrupted, final bool) {
	requeued := false

	r.mu.Lock()
	r.inflight--
	if !ok {
		if interrupted && !final {
			if _, exists := r.pending[e.id()]; !exists {
				r.pending[e.id()] = e
			}
		} else if e.retries < r.cfg.Requeues && !final {
			if _, exists := r.pending[e.id()]; !exists {
				r.pending[e.id()] = &entry{bucket: e.bucket, loc: e.loc, retries: e.retries + 1}
			}
			requeued = true
		} else {
			r.failed.Add(1)
			r.metrics.fail()
			r.logger.Warn().
				Str("bucket", e.bucket).
				Str("location", e.loc.ID()).
				Int("retries", e.retries).
				Msg("Reclaim failed after max retries, leaking location")
		}
	}
	r.metrics.setPending(len(r.pending))
	r.settleLocked()
	r.mu.Unlock()

	if requeued {
		r.wake()
	}
}
