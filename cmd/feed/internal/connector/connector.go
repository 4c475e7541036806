// Package connector keeps a websocket session to the upstream feed alive and
// hands every inbound frame to a Handler.
package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/metrics"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender writes to the current upstream session.
type Sender interface {
	SendJSON(v any) error
}

// Handler reacts to one upstream protocol. OnOpen runs before the first frame
// is read; an error from it ends the session. OnMessage must not block for
// long and cannot end the session.
type Handler interface {
	OnOpen(ctx context.Context, s Sender) error
	OnMessage(ctx context.Context, msg []byte)
	OnClose(err error)
}

type Config struct {
	URL    string
	Header http.Header

	Reconnect  bool
	MinBackoff time.Duration
	MaxBackoff time.Duration

	ReadTimeout      time.Duration
	PingPeriod       time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.ReadTimeout {
		c.PingPeriod = c.ReadTimeout * 9 / 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

type Connector struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	dialer  *websocket.Dialer
	state   atomic.Int32

	jitter func(d time.Duration) time.Duration
}

func New(cfg Config, h Handler, logger *zap.Logger) (*Connector, error) {
	if cfg.URL == "" {
		return nil, errors.New("connector: empty url")
	}
	if h == nil {
		return nil, errors.New("connector: nil handler")
	}
	cfg.setDefaults()

	c := &Connector{
		cfg:     cfg,
		handler: h,
		logger:  logger.With(zap.String("url", cfg.URL)),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		jitter:  fullJitter,
	}
	c.state.Store(int32(StateClosed))
	return c, nil
}

func (c *Connector) State() State { return State(c.state.Load()) }

// Run holds a session open until ctx is done. With Reconnect disabled the
// first closed session is terminal and its error is returned.
func (c *Connector) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff

	for {
		started := time.Now()
		err := c.session(ctx)
		c.state.Store(int32(StateClosed))

		if ctx.Err() != nil {
			c.logger.Info("Feed connector stopped")
			return nil
		}
		if !c.cfg.Reconnect {
			c.logger.Warn("Feed connection closed, reconnect disabled", zap.Error(err))
			return err
		}

		// a session that stayed up longer than the max backoff counts as healthy
		if time.Since(started) > c.cfg.MaxBackoff {
			backoff = c.cfg.MinBackoff
		}
		wait := backoff + c.jitter(backoff)
		c.logger.Warn("Feed disconnected, retrying", zap.Error(err), zap.Duration("wait", wait))
		metrics.FeedReconnects.Inc()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.logger.Info("Feed connector stopped")
			return nil
		}
		backoff = time.Duration(math.Min(float64(c.cfg.MaxBackoff), float64(backoff)*1.8))
	}
}

func (c *Connector) session(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s := &session{conn: conn}
	c.state.Store(int32(StateOpen))
	c.logger.Info("Connected to upstream feed")

	if err := c.handler.OnOpen(ctx, s); err != nil {
		c.handler.OnClose(err)
		return fmt.Errorf("open: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(sessCtx, s)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			c.state.Store(int32(StateClosed))
			c.handler.OnClose(err)
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handler.OnMessage(ctx, msg)
	}
}

// keepalive pings until ctx ends, then closes the socket to unblock the reader.
func (c *Connector) keepalive(ctx context.Context, s *session) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("Upstream ping failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			_ = s.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.conn.Close()
			return
		}
	}
}

// session serializes writes; gorilla allows one concurrent writer.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *session) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
