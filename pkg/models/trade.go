package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is a single executed crypto trade as reported by the upstream feed.
// Size and Price marshal as JSON strings to keep full precision.
type TradeRecord struct {
	Ticker    string          `json:"ticker"`
	Timestamp time.Time       `json:"timestamp"`
	Exchange  string          `json:"exchange"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
}
