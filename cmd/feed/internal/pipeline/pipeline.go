// Package pipeline wires decoded trades through the buffer into the store
// and, once a batch is stored, out to subscribers.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/repository"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/buffer"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/config"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/metrics"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
)

// Broadcaster fans a stored batch out. *hub.Hub implements it.
type Broadcaster interface {
	Broadcast(batch []models.TradeRecord) error
}

type Service struct {
	engine *buffer.Engine[models.TradeRecord]
	hub    Broadcaster
	logger *zap.Logger
}

type options struct {
	drainTimeout time.Duration
	deadLetter   func(batch []models.TradeRecord, err error)
}

type Option func(*options)

func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithDeadLetter receives batches given up on after buffer.max_attempts failures.
func WithDeadLetter(fn func(batch []models.TradeRecord, err error)) Option {
	return func(o *options) { o.deadLetter = fn }
}

func New(cfg config.BufferConfig, store repository.TradeStore, hub Broadcaster, logger *zap.Logger, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{hub: hub, logger: logger}
	if o.deadLetter == nil {
		o.deadLetter = s.logDeadLetter
	}

	engineOpts := []buffer.Option[models.TradeRecord]{
		buffer.WithOnFlushed(s.broadcast),
		buffer.WithObserver[models.TradeRecord](metricsObserver{}),
		buffer.WithDrainTimeout[models.TradeRecord](o.drainTimeout),
	}
	if cfg.MaxAttempts > 0 {
		engineOpts = append(engineOpts, buffer.WithMaxAttempts(cfg.MaxAttempts, o.deadLetter))
	}
	if cfg.RetryBackoff() > 0 {
		engineOpts = append(engineOpts, buffer.WithRetryBackoff[models.TradeRecord](cfg.RetryBackoff(), 30*cfg.RetryBackoff()))
	}

	engine, err := buffer.New[models.TradeRecord](
		buffer.Config{Limit: cfg.Limit, Interval: cfg.FlushInterval()},
		store,
		logger,
		engineOpts...,
	)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Ingest buffers one trade. When the buffer reaches its limit the flush runs
// before Ingest returns; its outcome is not reported here. The flush ignores
// cancellation of ctx so a trade read during shutdown is still stored.
func (s *Service) Ingest(ctx context.Context, rec models.TradeRecord) {
	s.engine.Add(context.WithoutCancel(ctx), rec)
}

// Run flushes on the configured interval and drains the buffer once ctx ends.
// Cancel ctx only after every producer calling Ingest has stopped, otherwise
// trades ingested after the drain stay buffered.
func (s *Service) Run(ctx context.Context) error {
	return s.engine.Run(ctx)
}

func (s *Service) Flush(ctx context.Context) error {
	return s.engine.Flush(ctx)
}

func (s *Service) Len() int {
	return s.engine.Len()
}

func (s *Service) broadcast(batch []models.TradeRecord) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Broadcast(batch); err != nil {
		s.logger.Error("Broadcast failed", zap.Error(err), zap.Int("batch_size", len(batch)))
	}
}

func (s *Service) logDeadLetter(batch []models.TradeRecord, err error) {
	first, last := batch[0].Timestamp, batch[len(batch)-1].Timestamp
	s.logger.Error("Dropped batch after repeated store failures",
		zap.Error(err),
		zap.Int("batch_size", len(batch)),
		zap.Time("first_trade", first),
		zap.Time("last_trade", last))
}

type metricsObserver struct{}

func (metricsObserver) ObserveFlush(size int, outcome buffer.Outcome, took time.Duration) {
	metrics.Flushes.WithLabelValues(string(outcome)).Inc()
	if outcome == buffer.OutcomeSuccess {
		metrics.FlushDuration.Observe(took.Seconds())
	}
}

func (metricsObserver) ObserveLength(n int) {
	metrics.BufferLength.Set(float64(n))
}
