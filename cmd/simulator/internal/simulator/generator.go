package simulator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/protocol"
)

var exchanges = []string{"binance", "bitfinex", "coinbase", "kraken"}

var defaultPrices = map[string]decimal.Decimal{
	"btcusd": decimal.NewFromInt(42000),
	"ethusd": decimal.NewFromInt(2300),
	"solusd": decimal.NewFromInt(100),
}

// TradeGenerator produces trade frames with a random walk per ticker.
// Safe for concurrent use.
type TradeGenerator struct {
	tickers []string
	prices  map[string]decimal.Decimal
	rand    Rand
	clock   Clock
	mu      sync.Mutex
}

func NewTradeGenerator(tickers []string, basePrices map[string]decimal.Decimal, rnd Rand, clock Clock) *TradeGenerator {
	if len(tickers) == 0 {
		tickers = []string{"btcusd", "ethusd", "solusd"}
	}
	prices := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		p, ok := basePrices[t]
		if !ok {
			p, ok = defaultPrices[t]
		}
		if !ok {
			p = decimal.NewFromInt(1000)
		}
		prices[t] = p
	}
	return &TradeGenerator{
		tickers: tickers,
		prices:  prices,
		rand:    rnd,
		clock:   clock,
	}
}

// Next returns one trade frame. Data follows the upstream tuple order:
// type, ticker, timestamp, exchange, size, price.
func (g *TradeGenerator) Next() protocol.TradeFrame {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticker := g.tickers[g.rand.Intn(len(g.tickers))]
	exchange := exchanges[g.rand.Intn(len(exchanges))]

	// moves at most 0.1% per trade
	drift := decimal.NewFromFloat((g.rand.Float64() - 0.5) * 0.002)
	price := g.prices[ticker].Mul(decimal.NewFromInt(1).Add(drift)).Round(2)
	g.prices[ticker] = price

	size := decimal.NewFromFloat(g.rand.Float64() * 2).Add(decimal.New(1, -4)).Round(4)

	data, _ := json.Marshal([]any{
		"T",
		ticker,
		g.clock.Now().UTC().Format(time.RFC3339Nano),
		exchange,
		json.Number(size.String()),
		json.Number(price.String()),
	})

	return protocol.TradeFrame{
		Service:     protocol.ServiceCrypto,
		MessageType: protocol.MessageTypeData,
		Data:        data,
	}
}

// Malformed returns a frame the feed must drop without disconnecting.
func (g *TradeGenerator) Malformed() []byte {
	g.mu.Lock()
	n := g.rand.Intn(4)
	g.mu.Unlock()

	switch n {
	case 0: // too few fields
		return []byte(`{"service":"crypto_data","messageType":"A","data":["T","btcusd","2024-01-01T00:00:00Z","binance",1]}`)
	case 1: // too many fields
		return []byte(`{"service":"crypto_data","messageType":"A","data":["T","btcusd","2024-01-01T00:00:00Z","binance",1,2,3]}`)
	case 2: // non-numeric price
		return []byte(`{"service":"crypto_data","messageType":"A","data":["T","btcusd","2024-01-01T00:00:00Z","binance",1,"n/a"]}`)
	default: // not JSON
		return []byte(`{"service":"crypto_data","messageType":`)
	}
}
