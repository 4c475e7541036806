package hub_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/hub"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/testutils"
)

func setup() *hub.Hub {
	return hub.NewHub(zap.NewNop())
}

func sampleBatch() []models.TradeRecord {
	return []models.TradeRecord{
		{
			Ticker:    "btcusd",
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Exchange:  "binance",
			Size:      decimal.RequireFromString("0.5"),
			Price:     decimal.RequireFromString("42000.1"),
		},
		{
			Ticker:    "ethusd",
			Timestamp: time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
			Exchange:  "kraken",
			Size:      decimal.RequireFromString("2"),
			Price:     decimal.RequireFromString("2250"),
		},
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := setup()
	a := testutils.NewMockSubscriber("a")
	b := testutils.NewMockSubscriber("b")

	h.Register(a)
	h.Register(b)
	assert.Equal(t, 2, h.Len())

	h.Unregister(a)
	assert.Equal(t, 1, h.Len())
	assert.True(t, a.Closed, "unregister should close the subscriber")

	// second unregister is a no-op
	h.Unregister(a)
	assert.Equal(t, 1, h.Len())
}

func TestHub_Broadcast_OnlyOpenSubscribers(t *testing.T) {
	h := setup()
	open := testutils.NewMockSubscriber("open")
	closed := testutils.NewMockSubscriber("closed")
	closed.SetState(hub.StateClosed)

	h.Register(open)
	h.Register(closed)

	require.NoError(t, h.Broadcast(sampleBatch()))

	assert.Len(t, open.Received(), 1)
	assert.Empty(t, closed.Received())
}

func TestHub_Broadcast_SubscriberClosedBeforeBroadcast(t *testing.T) {
	h := setup()
	s := testutils.NewMockSubscriber("s")
	h.Register(s)

	s.Close()
	require.NoError(t, h.Broadcast(sampleBatch()))

	assert.Empty(t, s.Received())
}

func TestHub_Broadcast_FailingSubscriberDoesNotBlockOthers(t *testing.T) {
	h := setup()
	bad := testutils.NewMockSubscriber("bad")
	bad.SendErr = errors.New("queue full")
	good1 := testutils.NewMockSubscriber("good1")
	good2 := testutils.NewMockSubscriber("good2")

	h.Register(bad)
	h.Register(good1)
	h.Register(good2)

	payload := []byte(`[]`)
	delivered := h.BroadcastBytes(payload)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"[]"}, good1.Received())
	assert.Equal(t, []string{"[]"}, good2.Received())
	assert.Empty(t, bad.Received())
}

func TestHub_Broadcast_PayloadIsJSONArray(t *testing.T) {
	h := setup()
	s := testutils.NewMockSubscriber("s")
	h.Register(s)

	batch := sampleBatch()
	require.NoError(t, h.Broadcast(batch))

	raw := s.Received()
	require.Len(t, raw, 1)

	var generic []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &generic))
	require.Len(t, generic, 2)
	assert.Equal(t, "btcusd", generic[0]["ticker"])
	assert.Equal(t, "binance", generic[0]["exchange"])

	got, err := s.LastBatch()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(batch[0].Price))
	assert.True(t, got[1].Size.Equal(batch[1].Size))
	assert.True(t, got[1].Timestamp.Equal(batch[1].Timestamp))
}

func TestHub_Broadcast_NilBatchSendsEmptyArray(t *testing.T) {
	h := setup()
	s := testutils.NewMockSubscriber("s")
	h.Register(s)

	require.NoError(t, h.Broadcast(nil))
	assert.Equal(t, []string{"[]"}, s.Received())
}

func TestHub_Broadcast_NoSubscribers(t *testing.T) {
	h := setup()
	assert.NoError(t, h.Broadcast(sampleBatch()))
	assert.Equal(t, 0, h.BroadcastBytes([]byte("[]")))
}

func TestHub_Close(t *testing.T) {
	h := setup()
	a := testutils.NewMockSubscriber("a")
	b := testutils.NewMockSubscriber("b")
	h.Register(a)
	h.Register(b)

	h.Close()

	assert.Equal(t, 0, h.Len())
	assert.True(t, a.Closed)
	assert.True(t, b.Closed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", hub.StateOpen.String())
	assert.Equal(t, "closed", hub.StateClosed.String())
	assert.Equal(t, "unknown", hub.State(42).String())
}
