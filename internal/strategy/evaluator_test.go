package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"algotrader/internal/marketdata"
	"algotrader/internal/models"
)

func codeAlgo(t *testing.T, code, sizing string) models.Algorithm {
	t.Helper()
	return models.Algorithm{
		ID:              1,
		UserID:          "u1",
		StrategyType:    models.StrategyTypeCode,
		StrategyCode:    code,
		UniverseSymbols: datatypes.JSON(`["AAPL","MSFT"]`),
		SizingConfig:    datatypes.JSON(sizing),
		MaxPositions:    10,
	}
}

func quote(price float64, indicators map[string]float64) marketdata.Quote {
	return marketdata.Quote{
		Price:      decimal.NewFromFloat(price),
		Volume:     decimal.NewFromInt(1000),
		Indicators: indicators,
		AsOf:       time.Now(),
	}
}

func TestCodeStrategyEntry(t *testing.T) {
	algo := codeAlgo(t, `{"entry":"indicators.rsi < 30","exit":"indicators.rsi > 70"}`,
		`{"type":"fixed","quantity":"5"}`)
	ev, err := ForAlgorithm(algo)
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}
	drafts, err := ev.Evaluate(context.Background(), EvalInput{
		Algorithm: algo,
		Snapshot: marketdata.Snapshot{
			"AAPL": quote(180, map[string]float64{"rsi": 25}),
			"MSFT": quote(400, map[string]float64{"rsi": 55}),
		},
		PortfolioValue: decimal.NewFromInt(100000),
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(drafts))
	}
	if drafts[0].Symbol != "AAPL" || drafts[0].Direction != models.DirectionBuy {
		t.Fatalf("unexpected draft %+v", drafts[0])
	}
	if !drafts[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("quantity = %s, want 5", drafts[0].Quantity)
	}
}

func TestExitWinsOverEntry(t *testing.T) {
	// Entry and exit both true for a held symbol: only the exit fires.
	algo := codeAlgo(t, `{"entry":"price > 0","exit":"price > 0"}`,
		`{"type":"fixed","quantity":"5"}`)
	ev, err := ForAlgorithm(algo)
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}
	drafts, err := ev.Evaluate(context.Background(), EvalInput{
		Algorithm: algo,
		Snapshot: marketdata.Snapshot{
			"AAPL": quote(180, nil),
		},
		OpenPositions: []models.Position{{
			Symbol:   "AAPL",
			Quantity: decimal.NewFromInt(7),
			AvgCost:  decimal.NewFromInt(150),
		}},
		PortfolioValue: decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(drafts))
	}
	d := drafts[0]
	if d.Direction != models.DirectionSell {
		t.Fatalf("direction = %s, want sell", d.Direction)
	}
	if !d.Quantity.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("exit quantity = %s, want full position 7", d.Quantity)
	}
}

func TestMissingSymbolSkipped(t *testing.T) {
	algo := codeAlgo(t, `{"entry":"price > 0"}`, `{"type":"fixed","quantity":"1"}`)
	ev, err := ForAlgorithm(algo)
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}
	drafts, err := ev.Evaluate(context.Background(), EvalInput{
		Algorithm: algo,
		Snapshot: marketdata.Snapshot{
			"MSFT": quote(400, nil),
		},
		PortfolioValue: decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Symbol != "MSFT" {
		t.Fatalf("expected only MSFT draft, got %+v", drafts)
	}
}

func TestMaxPositionsGate(t *testing.T) {
	algo := codeAlgo(t, `{"entry":"price > 0"}`, `{"type":"fixed","quantity":"1"}`)
	algo.MaxPositions = 1
	ev, err := ForAlgorithm(algo)
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}
	drafts, err := ev.Evaluate(context.Background(), EvalInput{
		Algorithm: algo,
		Snapshot: marketdata.Snapshot{
			"AAPL": quote(180, nil),
			"MSFT": quote(400, nil),
		},
		PortfolioValue: decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1 (capped by max positions)", len(drafts))
	}
}

func TestSizingPercent(t *testing.T) {
	cfg, err := ParseSizing(datatypes.JSON(`{"type":"percent","percent_of_portfolio":"10"}`))
	if err != nil {
		t.Fatalf("ParseSizing: %v", err)
	}
	qty, stop, err := cfg.Resolve("AAPL", decimal.NewFromInt(200), decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("qty = %s, want 50", qty)
	}
	if stop != nil {
		t.Fatalf("percent sizing should not set a stop, got %s", stop)
	}
}

func TestSizingRiskBased(t *testing.T) {
	cfg, err := ParseSizing(datatypes.JSON(`{"type":"risk_based","risk_amount":"500","stop_loss_percent":"5"}`))
	if err != nil {
		t.Fatalf("ParseSizing: %v", err)
	}
	qty, stop, err := cfg.Resolve("AAPL", decimal.NewFromInt(100), decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// stop distance = 5, qty = 500/5 = 100, stop = 95
	if !qty.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("qty = %s, want 100", qty)
	}
	if stop == nil || !stop.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("stop = %v, want 95", stop)
	}
}

func TestSizingTypeDiscriminatorWins(t *testing.T) {
	// Both percent and risk fields populated: the type field decides.
	raw := datatypes.JSON(`{"type":"percent","percent_of_portfolio":"10","risk_amount":"500","stop_loss_percent":"5"}`)
	cfg, err := ParseSizing(raw)
	if err != nil {
		t.Fatalf("ParseSizing: %v", err)
	}
	qty, _, err := cfg.Resolve("AAPL", decimal.NewFromInt(200), decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("qty = %s, want 50 (percent path)", qty)
	}
}

func TestSizingPerSymbolOverride(t *testing.T) {
	raw := datatypes.JSON(`{"type":"fixed","quantity":"1","per_symbol":{"aapl":{"type":"fixed","quantity":"9"}}}`)
	cfg, err := ParseSizing(raw)
	if err != nil {
		t.Fatalf("ParseSizing: %v", err)
	}
	qty, _, err := cfg.Resolve("AAPL", decimal.NewFromInt(100), decimal.Zero)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("qty = %s, want override 9", qty)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cases := []models.Algorithm{
		codeAlgo(t, `not json`, `{"type":"fixed","quantity":"1"}`),
		codeAlgo(t, `{"entry":""}`, `{"type":"fixed","quantity":"1"}`),
		codeAlgo(t, `{"entry":"price >"}`, `{"type":"fixed","quantity":"1"}`),
		codeAlgo(t, `{"entry":"price > 0"}`, `{"type":"fixed"}`),
		codeAlgo(t, `{"entry":"price > 0"}`, `{"type":"martingale"}`),
		codeAlgo(t, `{"entry":"price > 0"}`, `{"type":"risk_based","risk_amount":"500"}`),
	}
	for i, algo := range cases {
		if err := ValidateAlgorithm(algo); err == nil {
			t.Fatalf("case %d: expected config error", i)
		}
	}
}

func TestVisualRuleGraph(t *testing.T) {
	algo := models.Algorithm{
		StrategyType:    models.StrategyTypeVisual,
		UniverseSymbols: datatypes.JSON(`["AAPL"]`),
		SizingConfig:    datatypes.JSON(`{"type":"fixed","quantity":"2"}`),
		MaxPositions:    5,
		RuleGraph: datatypes.JSON(`{"blocks":[
			{"id":"g1","role":"entry","order":0},
			{"id":"c1","parent_block_id":"g1","order":0,"field":"rsi","operator":"lt","value":30},
			{"id":"c2","parent_block_id":"g1","order":1,"logic":"or","field":"price","operator":"lt","value":100},
			{"id":"x1","role":"exit","order":0,"field":"rsi","operator":"gt","value":70}
		]}`),
	}
	ev, err := ForAlgorithm(algo)
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}

	// rsi 45 fails, but price 90 < 100 passes via OR.
	drafts, err := ev.Evaluate(context.Background(), EvalInput{
		Algorithm: algo,
		Snapshot: marketdata.Snapshot{
			"AAPL": quote(90, map[string]float64{"rsi": 45}),
		},
		PortfolioValue: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Direction != models.DirectionBuy {
		t.Fatalf("expected one buy draft, got %+v", drafts)
	}

	// Held position with rsi 80 exits.
	drafts, err = ev.Evaluate(context.Background(), EvalInput{
		Algorithm: algo,
		Snapshot: marketdata.Snapshot{
			"AAPL": quote(200, map[string]float64{"rsi": 80}),
		},
		OpenPositions: []models.Position{{
			Symbol:   "AAPL",
			Quantity: decimal.NewFromInt(2),
		}},
		PortfolioValue: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Direction != models.DirectionSell {
		t.Fatalf("expected one sell draft, got %+v", drafts)
	}
}

func TestVisualRuleGraphRejectsUnknownParent(t *testing.T) {
	algo := models.Algorithm{
		StrategyType:    models.StrategyTypeVisual,
		UniverseSymbols: datatypes.JSON(`["AAPL"]`),
		SizingConfig:    datatypes.JSON(`{"type":"fixed","quantity":"1"}`),
		RuleGraph: datatypes.JSON(`{"blocks":[
			{"id":"c1","parent_block_id":"nope","order":0,"field":"price","operator":"gt","value":0}
		]}`),
	}
	if err := ValidateAlgorithm(algo); err == nil {
		t.Fatal("expected config error for unknown parent block")
	}
}
