package simulator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/protocol"
)

const (
	handshakeWait  = 10 * time.Second
	writeWait      = 5 * time.Second
	heartbeatEvery = 50
)

type Config struct {
	Token          string // empty accepts any authorization
	Interval       time.Duration
	MalformedRatio float64
}

// Server imitates the upstream crypto feed.
type Server struct {
	cfg      Config
	gen      *TradeGenerator
	rand     Rand
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex // guards rand
	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg Config, gen *TradeGenerator, rnd Rand, logger *zap.Logger) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Server{
		cfg:    cfg,
		gen:    gen,
		rand:   rnd,
		logger: logger,
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.logger.With(zap.String("remote", r.RemoteAddr))

	if err := s.awaitHandshake(conn); err != nil {
		log.Warn("Rejected client", zap.Error(err))
		s.writeJSON(conn, protocol.TradeFrame{
			MessageType: protocol.MessageTypeError,
			Response:    &protocol.FrameResponse{Code: 401, Message: err.Error()},
		})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		return
	}

	if err := s.writeJSON(conn, protocol.TradeFrame{
		Service:     protocol.ServiceCrypto,
		MessageType: protocol.MessageTypeInfo,
		Response:    &protocol.FrameResponse{Code: 200, Message: "Success"},
	}); err != nil {
		return
	}
	log.Info("Client subscribed")

	closed := make(chan struct{})
	go func() {
		// drain control frames; any read error means the client is gone
		defer close(closed)
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.stream(conn, closed)
	log.Info("Client disconnected")
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

func (s *Server) awaitHandshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	var hs protocol.Handshake
	if err := json.Unmarshal(msg, &hs); err != nil {
		return handshakeError("handshake is not valid JSON")
	}
	if hs.EventName != protocol.EventSubscribe {
		return handshakeError("expected subscribe event")
	}
	if s.cfg.Token != "" && hs.Authorization != s.cfg.Token {
		return handshakeError("invalid authorization")
	}
	return nil
}

func (s *Server) stream(conn *websocket.Conn, closed <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-closed:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulator shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
		}

		sent++
		var err error
		switch {
		case sent%heartbeatEvery == 0:
			err = s.writeJSON(conn, protocol.TradeFrame{Service: protocol.ServiceCrypto, MessageType: protocol.MessageTypeHeartbeat})
		case s.malformed():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.TextMessage, s.gen.Malformed())
		default:
			err = s.writeJSON(conn, s.gen.Next())
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) malformed() bool {
	if s.cfg.MalformedRatio <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64() < s.cfg.MalformedRatio
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Close ends every stream. Hijacked connections outlive http.Server.Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
