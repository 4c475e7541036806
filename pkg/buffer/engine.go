// Package buffer accumulates records in memory and commits them in batches,
// either when the buffer reaches its size limit or when the flush interval elapses.
//
// A failed commit puts the batch back at the front of the buffer so the next
// trigger retries it ahead of anything that arrived in the meantime.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidConfig = errors.New("buffer: invalid config")
	ErrDeadLettered  = errors.New("buffer: batch dead-lettered")
)

const defaultDrainTimeout = 10 * time.Second

// Sink durably stores one batch. It must be all-or-nothing: a nil error means
// every record was stored, a non-nil error means none was.
type Sink[T any] interface {
	SaveBatch(ctx context.Context, batch []T) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc[T any] func(ctx context.Context, batch []T) error

func (f SinkFunc[T]) SaveBatch(ctx context.Context, batch []T) error { return f(ctx, batch) }

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// Observer receives flush telemetry. Implementations must not block.
type Observer interface {
	ObserveFlush(size int, outcome Outcome, took time.Duration)
	ObserveLength(n int)
}

type Config struct {
	Limit    int           // size that triggers a flush from Add
	Interval time.Duration // period of the background flush
}

// Engine is safe for concurrent use. Only one flush runs at a time; Add only
// contends with the snapshot-and-clear step, never with the sink call.
type Engine[T any] struct {
	cfg    Config
	sink   Sink[T]
	logger *zap.Logger

	mu       sync.Mutex // guards items, retained, failures, retryAt
	items    []T
	retained []run // failed-attempt counts for the front of items
	failures int    // consecutive failed flushes, drives backoff
	retryAt  time.Time

	flushMu sync.Mutex

	onFlushed    func(batch []T)
	deadLetter   func(batch []T, err error)
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	drainTimeout time.Duration
	observer     Observer
	now          func() time.Time
}

// run covers n consecutive buffered items that have each failed the same
// number of flushes. Older items sit in front, so counts never increase
// along the buffer.
type run struct {
	n      int
	failed int
}

type Option[T any] func(*Engine[T])

// WithOnFlushed registers a hook that runs after the sink accepted a batch.
// Hooks run in commit order and must treat the batch as read-only.
func WithOnFlushed[T any](fn func(batch []T)) Option[T] {
	return func(e *Engine[T]) { e.onFlushed = fn }
}

// WithMaxAttempts diverts records to deadLetter once each has been part of n
// failed flushes. Records that joined a retained batch later keep their own
// count and stay buffered. n <= 0 retries forever.
func WithMaxAttempts[T any](n int, deadLetter func(batch []T, err error)) Option[T] {
	return func(e *Engine[T]) {
		e.maxAttempts = n
		e.deadLetter = deadLetter
	}
}

// WithRetryBackoff makes size and timer triggers wait base*2^(failures-1),
// capped at max, before retrying a failed batch. Explicit Flush calls ignore it.
func WithRetryBackoff[T any](base, max time.Duration) Option[T] {
	return func(e *Engine[T]) {
		e.backoffBase = base
		e.backoffMax = max
	}
}

// WithDrainTimeout bounds the final flush Run performs on shutdown.
func WithDrainTimeout[T any](d time.Duration) Option[T] {
	return func(e *Engine[T]) {
		if d > 0 {
			e.drainTimeout = d
		}
	}
}

func WithObserver[T any](o Observer) Option[T] {
	return func(e *Engine[T]) { e.observer = o }
}

func New[T any](cfg Config, sink Sink[T], logger *zap.Logger, opts ...Option[T]) (*Engine[T], error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, cfg.Limit)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, cfg.Interval)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine[T]{
		cfg:          cfg,
		sink:         sink,
		logger:       logger,
		items:        make([]T, 0, cfg.Limit),
		drainTimeout: defaultDrainTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Add appends item and, when the buffer has reached the limit, runs a flush
// before returning. The outcome of that flush is not reported to the caller.
func (e *Engine[T]) Add(ctx context.Context, item T) {
	e.mu.Lock()
	e.items = append(e.items, item)
	n := len(e.items)
	e.mu.Unlock()

	e.observeLength(n)

	if n >= e.cfg.Limit {
		_ = e.flush(ctx, false)
	}
}

// Flush commits whatever is buffered, ignoring any retry backoff.
func (e *Engine[T]) Flush(ctx context.Context) error {
	return e.flush(ctx, true)
}

func (e *Engine[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Run flushes every interval until ctx is done, then performs one final
// flush with a fresh context bounded by the drain timeout.
func (e *Engine[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("Buffer flush loop started",
		zap.Int("limit", e.cfg.Limit),
		zap.Duration("interval", e.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return e.drain()
		case <-ticker.C:
			_ = e.flush(ctx, false) // failures are logged and requeued inside
		}
	}
}

func (e *Engine[T]) drain() error {
	n := e.Len()
	if n == 0 {
		return nil
	}

	e.logger.Info("Draining buffer before shutdown", zap.Int("buffered", n))

	ctx, cancel := context.WithTimeout(context.Background(), e.drainTimeout)
	defer cancel()
	return e.flush(ctx, true)
}

func (e *Engine[T]) flush(ctx context.Context, force bool) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if len(e.items) == 0 {
		e.mu.Unlock()
		return nil
	}
	if !force && !e.retryAt.IsZero() && e.now().Before(e.retryAt) {
		e.mu.Unlock()
		return nil
	}
	batch := e.items
	retained := e.retained
	e.items = make([]T, 0, e.cfg.Limit)
	e.retained = nil
	e.mu.Unlock()

	start := e.now()
	err := e.sink.SaveBatch(ctx, batch)
	took := e.now().Sub(start)

	if err == nil {
		e.mu.Lock()
		e.failures = 0
		e.retryAt = time.Time{}
		e.mu.Unlock()

		e.observeFlush(len(batch), OutcomeSuccess, took)
		e.observeLength(e.Len())
		if e.onFlushed != nil {
			e.onFlushed(batch)
		}
		return nil
	}

	runs := countFailure(retained, len(batch))
	dead := 0
	if e.maxAttempts > 0 {
		for len(runs) > 0 && runs[0].failed >= e.maxAttempts {
			dead += runs[0].n
			runs = runs[1:]
		}
	}
	keep := batch[dead:]

	// the rest goes back in front of anything added during the attempt
	e.mu.Lock()
	restored := make([]T, 0, len(keep)+len(e.items))
	restored = append(restored, keep...)
	restored = append(restored, e.items...)
	e.items = restored
	e.retained = runs

	e.failures++
	attempts := e.failures
	if len(keep) == 0 {
		e.failures = 0
		e.retryAt = time.Time{}
	} else if e.backoffBase > 0 {
		e.retryAt = e.now().Add(e.backoffDelay(attempts))
	}
	n := len(e.items)
	e.mu.Unlock()

	if dead > 0 {
		e.logger.Error("Giving up on records after repeated flush failures",
			zap.Error(err),
			zap.Int("dropped", dead),
			zap.Int("max_attempts", e.maxAttempts),
			zap.Int("buffered", n))
		e.observeFlush(dead, OutcomeDeadLetter, took)
		if e.deadLetter != nil {
			e.deadLetter(batch[:dead], err)
		}
	}
	if len(keep) > 0 {
		e.logger.Error("Failed to flush buffer",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Int("attempt", attempts),
			zap.Int("buffered", n))
		e.observeFlush(len(keep), OutcomeFailure, took)
	}
	e.observeLength(n)

	if dead > 0 {
		return fmt.Errorf("%w after %d attempts: %w", ErrDeadLettered, e.maxAttempts, err)
	}
	return fmt.Errorf("flush %d items: %w", len(batch), err)
}

// countFailure adds one failed attempt to every record of a batch of size n
// whose leading records are described by retained.
func countFailure(retained []run, n int) []run {
	runs := make([]run, 0, len(retained)+1)
	covered := 0
	for _, r := range retained {
		runs = append(runs, run{n: r.n, failed: r.failed + 1})
		covered += r.n
	}
	if fresh := n - covered; fresh > 0 {
		runs = append(runs, run{n: fresh, failed: 1})
	}
	return runs
}

func (e *Engine[T]) backoffDelay(attempts int) time.Duration {
	d := e.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if e.backoffMax > 0 && d >= e.backoffMax {
			return e.backoffMax
		}
	}
	if e.backoffMax > 0 && d > e.backoffMax {
		return e.backoffMax
	}
	return d
}

func (e *Engine[T]) observeFlush(size int, outcome Outcome, took time.Duration) {
	if e.observer != nil {
		e.observer.ObserveFlush(size, outcome, took)
	}
}

func (e *Engine[T]) observeLength(n int) {
	if e.observer != nil {
		e.observer.ObserveLength(n)
	}
}
