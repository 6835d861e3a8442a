package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one symbol's slice of a market snapshot.
type Quote struct {
	Symbol     string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Indicators map[string]float64
	AsOf       time.Time
}

// Snapshot maps symbol to quote. Symbols with no data are absent, not zeroed;
// evaluators skip absent symbols rather than trading on stale zeros.
type Snapshot map[string]Quote

// Provider supplies current prices and precomputed indicator values.
type Provider interface {
	GetSnapshot(ctx context.Context, symbols []string, indicators []string) (Snapshot, error)
}

// Bar is one historical OHLCV bar for backtesting.
type Bar struct {
	Symbol     string
	Time       time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	Indicators map[string]float64
}

// HistoryProvider supplies daily bars for a symbol set, ordered by time then symbol.
type HistoryProvider interface {
	GetHistory(ctx context.Context, symbols []string, start, end time.Time) ([]Bar, error)
}
