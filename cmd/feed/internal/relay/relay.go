// Package relay forwards committed batches out of the process. Each relay is
// a hub subscriber that never closes on its own: SendBytes only queues, and
// a single worker publishes in commit order.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/hub"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/metrics"
)

const (
	defaultQueueSize    = 100
	defaultWriteTimeout = 5 * time.Second
)

type publishFunc func(ctx context.Context, payload []byte) error

type worker struct {
	name    string
	queue   chan []byte
	publish publishFunc
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex // guards closed and queue
	closed bool
}

func newWorker(name string, queueSize int, publish publishFunc, logger *zap.Logger) *worker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &worker{
		name:    name,
		queue:   make(chan []byte, queueSize),
		publish: publish,
		logger:  logger.With(zap.String("relay", name)),
		timeout: defaultWriteTimeout,
	}
}

func (w *worker) ID() string { return "relay:" + w.name }

func (w *worker) State() hub.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return hub.StateClosed
	}
	return hub.StateOpen
}

func (w *worker) SendBytes(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return hub.ErrSubscriberClosed
	}
	select {
	case w.queue <- b:
		return nil
	default:
		return hub.ErrSlowSubscriber
	}
}

// Close stops accepting batches. Run publishes what is already queued.
func (w *worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

// Run publishes queued batches until Close. Cancelling ctx does not stop it,
// so batches flushed during shutdown still go out.
func (w *worker) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)

	w.logger.Info("Relay started")
	for payload := range w.queue {
		pctx, cancel := context.WithTimeout(base, w.timeout)
		err := w.publish(pctx, payload)
		cancel()
		if err != nil {
			metrics.RelayFailures.WithLabelValues(w.name).Inc()
			w.logger.Error("Relay publish failed", zap.Error(err), zap.Int("bytes", len(payload)))
			continue
		}
		w.logger.Debug("Relayed batch", zap.Int("bytes", len(payload)))
	}
	w.logger.Info("Relay stopped")
	return nil
}
