package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/metrics"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
)

type State int32

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSlowSubscriber   = errors.New("subscriber queue full")
)

// Subscriber is a live listener. SendBytes must not block: implementations
// queue the payload or fail fast.
type Subscriber interface {
	ID() string
	State() State
	SendBytes(b []byte) error
	Close()
}

// Hub is the set of connected subscribers, keyed by connection identity.
type Hub struct {
	subscribers map[string]Subscriber
	logger      *zap.Logger
	mu          sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]Subscriber),
		logger:      logger,
	}
}

func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	h.subscribers[s.ID()] = s
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	h.logger.Info("Subscriber connected", zap.String("id", s.ID()), zap.Int("total", n))
}

// Unregister removes the subscriber and closes it. Safe to call more than once.
func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s.ID()]
	delete(h.subscribers, s.ID())
	n := len(h.subscribers)
	h.mu.Unlock()

	s.Close()
	if ok {
		metrics.Subscribers.Set(float64(n))
		h.logger.Info("Subscriber disconnected", zap.String("id", s.ID()), zap.Int("total", n))
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast serializes the batch once and fans the payload out.
func (h *Hub) Broadcast(batch []models.TradeRecord) error {
	if batch == nil {
		batch = []models.TradeRecord{}
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	delivered := h.BroadcastBytes(payload)
	h.logger.Debug("Batch broadcast", zap.Int("records", len(batch)), zap.Int("delivered", delivered))
	return nil
}

// BroadcastBytes sends payload to every Open subscriber and returns how many
// accepted it. Subscribers in any other state are skipped; a failing
// subscriber never affects delivery to the others.
func (h *Hub) BroadcastBytes(payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, s := range h.subscribers {
		if s.State() != StateOpen {
			continue
		}
		if err := s.SendBytes(payload); err != nil {
			metrics.BroadcastDrops.WithLabelValues(subscriberKind(id)).Inc()
			h.logger.Warn("Dropped broadcast for subscriber", zap.String("id", id), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Close closes and forgets every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	metrics.Subscribers.Set(0)
}

// subscriberKind keeps the drop metric's label set small: relays register
// with a "relay:<name>" id, websocket clients with a uuid.
func subscriberKind(id string) string {
	if strings.HasPrefix(id, "relay:") {
		return id
	}
	return "websocket"
}
