package gateway

import (
	"net/http"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/hub"
)

type Option func(*handler)

// WithOnConnect runs fn after the upgrade and before the client is registered,
// so anything fn sends is queued ahead of the first broadcast.
func WithOnConnect(fn func(c *ClientAdapter)) Option {
	return func(h *handler) { h.onConnect = fn }
}

type handler struct {
	hub       *hub.Hub
	logger    *zap.Logger
	onConnect func(c *ClientAdapter)
}

// Handler upgrades requests to websocket subscribers of h.
func Handler(h *hub.Hub, logger *zap.Logger, opts ...Option) http.Handler {
	hd := &handler{hub: h, logger: logger}
	for _, opt := range opts {
		opt(hd)
	}
	return hd
}

func (hd *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		hd.logger.Warn("Websocket upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}

	client := NewClient(conn, hd.hub, hd.logger)
	if hd.onConnect != nil {
		hd.onConnect(client)
	}
	hd.hub.Register(client)
	client.Start()
}
