package backtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"algotrader/internal/config"
	"algotrader/internal/marketdata"
	"algotrader/internal/models"
)

type fixedHistory struct {
	bars []marketdata.Bar
}

func (h *fixedHistory) GetHistory(ctx context.Context, symbols []string, start, end time.Time) ([]marketdata.Bar, error) {
	return h.bars, nil
}

func bar(day int, symbol string, closePx int64, rsi float64) marketdata.Bar {
	px := decimal.NewFromInt(closePx)
	return marketdata.Bar{
		Symbol:     symbol,
		Time:       time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC),
		Open:       px,
		High:       px,
		Low:        px,
		Close:      px,
		Volume:     decimal.NewFromInt(1000),
		Indicators: map[string]float64{"rsi": rsi},
	}
}

func backtestAlgo() models.Algorithm {
	return models.Algorithm{
		ID:              1,
		UserID:          "u1",
		StrategyType:    models.StrategyTypeCode,
		StrategyCode:    `{"entry":"indicators.rsi < 30","exit":"indicators.rsi > 70"}`,
		UniverseSymbols: datatypes.JSON(`["AAPL"]`),
		SizingConfig:    datatypes.JSON(`{"type":"fixed","quantity":"10"}`),
		MaxPositions:    5,
	}
}

func testWindow() (time.Time, time.Time) {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
}

func TestRunRoundTrip(t *testing.T) {
	history := &fixedHistory{bars: []marketdata.Bar{
		bar(2, "AAPL", 100, 25), // entry fires, buy 10 @ 100
		bar(3, "AAPL", 110, 50), // hold
		bar(4, "AAPL", 130, 80), // exit fires, sell 10 @ 130
		bar(5, "AAPL", 120, 50),
	}}
	e := &Engine{History: history}
	start, end := testWindow()

	res, err := e.Run(context.Background(), backtestAlgo(), start, end, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 10 shares, bought 100 sold 130: +300
	if !res.FinalCapital.Equal(decimal.NewFromInt(10300)) {
		t.Fatalf("final capital = %s, want 10300", res.FinalCapital)
	}
	if res.TotalTrades != 2 {
		t.Fatalf("trades = %d, want 2", res.TotalTrades)
	}
	if res.WinRate != 1 {
		t.Fatalf("win rate = %v, want 1", res.WinRate)
	}
	if res.MaxDrawdown != 0 {
		t.Fatalf("max drawdown = %v, want 0 for a monotone curve", res.MaxDrawdown)
	}
}

func TestRunDeterministic(t *testing.T) {
	history := &fixedHistory{bars: []marketdata.Bar{
		bar(2, "AAPL", 100, 25),
		bar(2, "MSFT", 200, 20),
		bar(3, "AAPL", 90, 40),
		bar(3, "MSFT", 210, 50),
		bar(4, "AAPL", 120, 75),
		bar(4, "MSFT", 190, 80),
	}}
	algo := backtestAlgo()
	algo.UniverseSymbols = datatypes.JSON(`["MSFT","AAPL"]`)
	start, end := testWindow()

	e := &Engine{History: history}
	first, err := e.Run(context.Background(), algo, start, end, decimal.NewFromInt(50000))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := e.Run(context.Background(), algo, start, end, decimal.NewFromInt(50000))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !bytes.Equal(first.EquityCurve, second.EquityCurve) {
		t.Fatal("equity curves differ between identical runs")
	}
	if !bytes.Equal(first.TradeLog, second.TradeLog) {
		t.Fatal("trade logs differ between identical runs")
	}
	if !first.FinalCapital.Equal(second.FinalCapital) {
		t.Fatalf("final capital %s vs %s", first.FinalCapital, second.FinalCapital)
	}
}

func TestRunDrawdownAndLosses(t *testing.T) {
	history := &fixedHistory{bars: []marketdata.Bar{
		bar(2, "AAPL", 100, 25), // buy 10 @ 100
		bar(3, "AAPL", 80, 50),  // equity dips to 9800
		bar(4, "AAPL", 70, 80),  // exit, sell @ 70: -300
	}}
	e := &Engine{History: history}
	start, end := testWindow()

	res, err := e.Run(context.Background(), backtestAlgo(), start, end, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.FinalCapital.Equal(decimal.NewFromInt(9700)) {
		t.Fatalf("final capital = %s, want 9700", res.FinalCapital)
	}
	if res.WinRate != 0 {
		t.Fatalf("win rate = %v, want 0", res.WinRate)
	}
	if res.MaxDrawdown < 0.029 || res.MaxDrawdown > 0.031 {
		t.Fatalf("max drawdown = %v, want ~0.03", res.MaxDrawdown)
	}
}

func TestRunRejectsBadRange(t *testing.T) {
	e := &Engine{History: &fixedHistory{}, Config: config.BacktestConfig{MaxRangeDays: 30}}
	start, _ := testWindow()

	if _, err := e.Run(context.Background(), backtestAlgo(), start, start, decimal.NewFromInt(1000)); err == nil {
		t.Fatal("expected error for empty range")
	}
	if _, err := e.Run(context.Background(), backtestAlgo(), start, start.AddDate(0, 0, 60), decimal.NewFromInt(1000)); err == nil {
		t.Fatal("expected error for range over the cap")
	}
	if _, err := e.Run(context.Background(), backtestAlgo(), start, start.AddDate(0, 0, 10), decimal.Zero); err == nil {
		t.Fatal("expected error for zero capital")
	}
}
