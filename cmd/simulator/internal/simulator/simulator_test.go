package simulator_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/cmd/simulator/internal/simulator"
	"github.com/shubham-shewale/crypto-trade-stream/cmd/simulator/internal/testutils"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/protocol"
)

func TestGenerator_Logic(t *testing.T) {
	// Fix Randomness: always index 0, 0.5 means zero drift
	mockRand := &testutils.MockRand{ValInt: 0, ValFloat: 0.5}
	mockClock := &testutils.MockClock{CurrentTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	gen := simulator.NewTradeGenerator(
		[]string{"btcusd"},
		map[string]decimal.Decimal{"btcusd": decimal.NewFromInt(100)},
		mockRand, mockClock,
	)

	frame := gen.Next()
	assert.Equal(t, protocol.MessageTypeData, frame.MessageType)
	assert.Equal(t, protocol.ServiceCrypto, frame.Service)

	var data []any
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	require.Len(t, data, 6)
	assert.Equal(t, "T", data[0])
	assert.Equal(t, "btcusd", data[1])
	assert.Equal(t, "2024-01-01T00:00:00Z", data[2])
	assert.Equal(t, "binance", data[3])
	assert.Equal(t, 1.0001, data[4])
	assert.Equal(t, 100.0, data[5], "no drift at 0.5")
}

func TestGenerator_PriceWalks(t *testing.T) {
	mockRand := &testutils.MockRand{ValInt: 0, ValFloat: 1.0}
	gen := simulator.NewTradeGenerator([]string{"ethusd"},
		map[string]decimal.Decimal{"ethusd": decimal.NewFromInt(1000)},
		mockRand, &testutils.MockClock{})

	var last float64
	for i := 0; i < 3; i++ {
		var data []any
		require.NoError(t, json.Unmarshal(gen.Next().Data, &data))
		price := data[5].(float64)
		assert.Greater(t, price, last)
		last = price
	}
}

func TestGenerator_DefaultsTickers(t *testing.T) {
	gen := simulator.NewTradeGenerator(nil, nil, &testutils.MockRand{}, &testutils.MockClock{})
	var data []any
	require.NoError(t, json.Unmarshal(gen.Next().Data, &data))
	assert.Equal(t, "btcusd", data[1])
}

func TestGenerator_MalformedVariants(t *testing.T) {
	for i := 0; i < 4; i++ {
		gen := simulator.NewTradeGenerator(nil, nil, &testutils.MockRand{ValInt: i}, &testutils.MockClock{})
		raw := gen.Malformed()

		var frame protocol.TradeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue // not JSON at all
		}
		var data []any
		require.NoError(t, json.Unmarshal(frame.Data, &data))
		if len(data) == 6 {
			_, isString := data[5].(string)
			assert.True(t, isString, "six-field variant must carry a bad price")
		}
	}
}

func startSimulator(t *testing.T, cfg simulator.Config, ratio float64) string {
	gen := simulator.NewTradeGenerator([]string{"btcusd"}, nil, &testutils.MockRand{ValFloat: ratio}, simulator.RealClock{})
	srv := simulator.NewServer(cfg, gen, &testutils.MockRand{ValFloat: ratio}, zap.NewNop())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.TradeFrame {
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame protocol.TradeFrame
	require.NoError(t, json.Unmarshal(msg, &frame))
	return frame
}

func TestServer_StreamsAfterHandshake(t *testing.T) {
	url := startSimulator(t, simulator.Config{Token: "secret", Interval: 5 * time.Millisecond}, 0.5)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(protocol.NewHandshake("secret", 5)))

	ack := readFrame(t, conn)
	assert.Equal(t, protocol.MessageTypeInfo, ack.MessageType)
	require.NotNil(t, ack.Response)
	assert.Equal(t, 200, ack.Response.Code)

	for i := 0; i < 3; i++ {
		frame := readFrame(t, conn)
		assert.Equal(t, protocol.MessageTypeData, frame.MessageType)
		var data []any
		require.NoError(t, json.Unmarshal(frame.Data, &data))
		assert.Len(t, data, 6)
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	url := startSimulator(t, simulator.Config{Token: "secret", Interval: 5 * time.Millisecond}, 0.5)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(protocol.NewHandshake("wrong", 5)))

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.MessageTypeError, frame.MessageType)
	require.NotNil(t, frame.Response)
	assert.Equal(t, 401, frame.Response.Code)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closes after rejecting")
}

func TestServer_RejectsWrongEvent(t *testing.T) {
	url := startSimulator(t, simulator.Config{Interval: 5 * time.Millisecond}, 0.5)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"eventName":"unsubscribe"}`)))
	assert.Equal(t, protocol.MessageTypeError, readFrame(t, conn).MessageType)
}

func TestServer_NothingBeforeHandshake(t *testing.T) {
	url := startSimulator(t, simulator.Config{Interval: 5 * time.Millisecond}, 0.5)
	conn := dial(t, url)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no frame may arrive before the subscribe handshake")
}

func TestServer_MalformedRatio(t *testing.T) {
	// MockRand.Float64 returns 0.5 < 0.9, so every non-heartbeat frame is malformed
	url := startSimulator(t, simulator.Config{Interval: 5 * time.Millisecond, MalformedRatio: 0.9}, 0.5)
	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(protocol.NewHandshake("", 5)))
	readFrame(t, conn) // ack

	for i := 0; i < 3; i++ {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame protocol.TradeFrame
		if json.Unmarshal(msg, &frame) != nil {
			continue
		}
		var data []any
		require.NoError(t, json.Unmarshal(frame.Data, &data))
		if len(data) == 6 {
			_, isString := data[5].(string)
			assert.True(t, isString)
		}
	}
}

func TestServer_CloseEndsStreams(t *testing.T) {
	gen := simulator.NewTradeGenerator(nil, nil, &testutils.MockRand{}, simulator.RealClock{})
	srv := simulator.NewServer(simulator.Config{Interval: 5 * time.Millisecond}, gen, &testutils.MockRand{}, zap.NewNop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, conn.WriteJSON(protocol.NewHandshake("", 5)))
	readFrame(t, conn)

	srv.Close()
	srv.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
