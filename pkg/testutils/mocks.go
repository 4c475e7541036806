package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/hub"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
)

// MockSubscriber simulates a connected listener
type MockSubscriber struct {
	IDVal    string
	RawBytes []string
	Closed   bool
	StateVal hub.State
	SendErr  error
	Mu       sync.Mutex
}

func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{IDVal: id, StateVal: hub.StateOpen}
}

func (m *MockSubscriber) ID() string { return m.IDVal }

func (m *MockSubscriber) State() hub.State {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.StateVal
}

func (m *MockSubscriber) SetState(s hub.State) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.StateVal = s
}

func (m *MockSubscriber) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	m.StateVal = hub.StateClosed
}

func (m *MockSubscriber) SendBytes(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.RawBytes = append(m.RawBytes, string(b))
	return nil
}

func (m *MockSubscriber) Received() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.RawBytes...)
}

// LastBatch decodes the most recent payload as a trade batch.
func (m *MockSubscriber) LastBatch() ([]models.TradeRecord, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.RawBytes) == 0 {
		return nil, errors.New("nothing received")
	}
	var batch []models.TradeRecord
	err := json.Unmarshal([]byte(m.RawBytes[len(m.RawBytes)-1]), &batch)
	return batch, err
}

// MockTradeStore simulates the persistence sink
type MockTradeStore struct {
	Batches   [][]models.TradeRecord
	FailFirst int
	Err       error
	// HonorContext fails calls made with a cancelled context, like a pgx pool
	HonorContext bool
	Mu           sync.Mutex
}

func (m *MockTradeStore) SaveBatch(ctx context.Context, batch []models.TradeRecord) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Batches = append(m.Batches, append([]models.TradeRecord(nil), batch...))
	if m.HonorContext && ctx.Err() != nil {
		return ctx.Err()
	}
	if m.Err != nil {
		return m.Err
	}
	if len(m.Batches) <= m.FailFirst {
		return errors.New("store unavailable")
	}
	return nil
}

func (m *MockTradeStore) Calls() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Batches)
}

func (m *MockTradeStore) Batch(i int) []models.TradeRecord {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Batches[i]
}
