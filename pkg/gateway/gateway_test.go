package gateway_test

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/gateway"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/hub"
)

func startServer(t *testing.T, opts ...gateway.Option) (*httptest.Server, *hub.Hub) {
	h := hub.NewHub(zap.NewNop())
	server := httptest.NewServer(gateway.Handler(h, zap.NewNop(), opts...))
	t.Cleanup(server.Close)
	return server, h
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Failed to connect to websocket")
	t.Cleanup(func() { wsConn.Close() })
	return wsConn
}

func waitForSubscribers(t *testing.T, h *hub.Hub, n int) {
	require.Eventually(t, func() bool { return h.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_BroadcastReachesClients(t *testing.T) {
	server, h := startServer(t)

	c1 := connectWS(t, server.URL)
	c2 := connectWS(t, server.URL)
	waitForSubscribers(t, h, 2)

	assert.Equal(t, 2, h.BroadcastBytes([]byte(`[{"ticker":"btcusd"}]`)))

	for _, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `[{"ticker":"btcusd"}]`, string(msg))
	}
}

func TestHandler_OnConnectSendsFirst(t *testing.T) {
	server, h := startServer(t, gateway.WithOnConnect(func(c *gateway.ClientAdapter) {
		_ = c.SendBytes([]byte(`["snapshot"]`))
	}))

	c := connectWS(t, server.URL)
	waitForSubscribers(t, h, 1)
	h.BroadcastBytes([]byte(`["live"]`))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := c.ReadMessage()
	require.NoError(t, err)
	_, second, err := c.ReadMessage()
	require.NoError(t, err)

	assert.Equal(t, `["snapshot"]`, string(first))
	assert.Equal(t, `["live"]`, string(second))
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	server, h := startServer(t)

	c := connectWS(t, server.URL)
	waitForSubscribers(t, h, 1)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	c.Close()

	waitForSubscribers(t, h, 0)
}

func TestHandler_InboundTextIgnored(t *testing.T) {
	server, h := startServer(t)

	c := connectWS(t, server.URL)
	waitForSubscribers(t, h, 1)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"action":"anything"}`)))
	h.BroadcastBytes([]byte(`[]`))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(msg))
	assert.Equal(t, 1, h.Len())
}

func TestClient_SendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := gateway.NewClient(server, hub.NewHub(zap.NewNop()), zap.NewNop())
	assert.Equal(t, hub.StateOpen, c.State())
	assert.NotEmpty(t, c.ID())

	c.Close()
	c.Close() // idempotent

	assert.Equal(t, hub.StateClosed, c.State())
	assert.ErrorIs(t, c.SendBytes([]byte("x")), hub.ErrSubscriberClosed)
}

func TestClient_SlowConsumerDrops(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// pumps not started: nothing drains the queue
	c := gateway.NewClient(server, hub.NewHub(zap.NewNop()), zap.NewNop())

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = c.SendBytes([]byte("x"))
	}
	assert.ErrorIs(t, err, hub.ErrSlowSubscriber)
	assert.Equal(t, hub.StateOpen, c.State())
}

func TestClient_UniqueIDs(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	h := hub.NewHub(zap.NewNop())
	c1 := gateway.NewClient(a, h, zap.NewNop())
	c2 := gateway.NewClient(b, h, zap.NewNop())
	assert.NotEqual(t, c1.ID(), c2.ID())
}
