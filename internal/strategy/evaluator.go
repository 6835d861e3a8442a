package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/marketdata"
	"algotrader/internal/models"
)

// ErrInvalidConfig marks algorithm configuration errors. They are rejected
// at save/run time and never reach the scheduler.
var ErrInvalidConfig = errors.New("invalid algorithm configuration")

// EvalInput is one evaluation pass over an algorithm's universe.
type EvalInput struct {
	Algorithm      models.Algorithm
	Snapshot       marketdata.Snapshot
	OpenPositions  []models.Position
	PortfolioValue decimal.Decimal
	Now            time.Time
}

// SignalDraft is a directional recommendation produced by one pass, before
// it is persisted as a Signal.
type SignalDraft struct {
	Symbol         string
	Direction      string
	Quantity       decimal.Decimal
	SuggestedPrice *decimal.Decimal
	StopLoss       *decimal.Decimal
	Confidence     float64
	Reason         string
}

type Evaluator interface {
	Evaluate(ctx context.Context, in EvalInput) ([]SignalDraft, error)
}

// symbolRule is the per-symbol contract shared by the code and visual
// variants. The surrounding pass logic (exit priority, position caps,
// sizing) is representation-agnostic.
type symbolRule interface {
	evalSymbol(ctx context.Context, env symbolEnv) (entry bool, exit bool, err error)
}

type symbolEnv struct {
	Symbol     string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Indicators map[string]float64

	HasPosition    bool
	PositionQty    decimal.Decimal
	AvgCost        decimal.Decimal
	PortfolioValue decimal.Decimal
}

// universeEvaluator drives one rule over the algorithm's universe in
// deterministic symbol order.
type universeEvaluator struct {
	rule   symbolRule
	sizing SizingConfig
}

// ForAlgorithm builds the evaluator for the algorithm's strategy
// representation. Configuration problems are reported as ErrInvalidConfig.
func ForAlgorithm(algo models.Algorithm) (Evaluator, error) {
	sizing, err := ParseSizing(algo.SizingConfig)
	if err != nil {
		return nil, err
	}
	var rule symbolRule
	switch algo.StrategyType {
	case models.StrategyTypeCode:
		rule, err = newCodeRule(algo.StrategyCode)
	case models.StrategyTypeVisual:
		rule, err = newVisualRule(algo.RuleGraph)
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", ErrInvalidConfig, algo.StrategyType)
	}
	if err != nil {
		return nil, err
	}
	return &universeEvaluator{rule: rule, sizing: sizing}, nil
}

// ValidateAlgorithm checks the strategy and sizing configuration without
// running it. Used at save time.
func ValidateAlgorithm(algo models.Algorithm) error {
	_, err := ForAlgorithm(algo)
	return err
}

func (e *universeEvaluator) Evaluate(ctx context.Context, in EvalInput) ([]SignalDraft, error) {
	if e == nil || e.rule == nil {
		return nil, nil
	}
	symbols, err := UniverseSymbols(in.Algorithm)
	if err != nil {
		return nil, err
	}

	posBySymbol := make(map[string]models.Position, len(in.OpenPositions))
	for _, p := range in.OpenPositions {
		posBySymbol[strings.ToUpper(p.Symbol)] = p
	}
	openCount := len(in.OpenPositions)
	maxPositions := in.Algorithm.MaxPositions

	out := make([]SignalDraft, 0, len(symbols))
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		quote, ok := in.Snapshot[sym]
		if !ok || quote.Price.IsZero() {
			// Missing market data skips the symbol for this pass,
			// it never aborts the run.
			continue
		}
		pos, held := posBySymbol[sym]
		env := symbolEnv{
			Symbol:         sym,
			Price:          quote.Price,
			Volume:         quote.Volume,
			Indicators:     quote.Indicators,
			HasPosition:    held,
			PortfolioValue: in.PortfolioValue,
		}
		if held {
			env.PositionQty = pos.Quantity
			env.AvgCost = pos.AvgCost
		}

		entry, exit, err := e.rule.evalSymbol(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", sym, err)
		}

		// An open position's exit always wins over a new entry for the
		// same symbol within one pass.
		if held && exit {
			price := quote.Price
			out = append(out, SignalDraft{
				Symbol:         sym,
				Direction:      models.DirectionSell,
				Quantity:       pos.Quantity,
				SuggestedPrice: &price,
				Confidence:     1,
				Reason:         "exit condition met",
			})
			openCount--
			continue
		}
		if !entry || held {
			continue
		}
		if maxPositions > 0 && openCount >= maxPositions {
			continue
		}
		qty, stop, err := e.sizing.Resolve(sym, quote.Price, in.PortfolioValue)
		if err != nil {
			return nil, err
		}
		if !qty.IsPositive() {
			continue
		}
		price := quote.Price
		draft := SignalDraft{
			Symbol:         sym,
			Direction:      models.DirectionBuy,
			Quantity:       qty,
			SuggestedPrice: &price,
			Confidence:     1,
			Reason:         "entry condition met",
		}
		if stop != nil {
			draft.StopLoss = stop
		}
		out = append(out, draft)
		openCount++
	}
	return out, nil
}

// UniverseSymbols returns the algorithm's symbol universe, uppercased,
// deduplicated and sorted.
func UniverseSymbols(algo models.Algorithm) ([]string, error) {
	if len(algo.UniverseSymbols) == 0 {
		return nil, nil
	}
	var raw []string
	if err := json.Unmarshal(algo.UniverseSymbols, &raw); err != nil {
		return nil, fmt.Errorf("%w: universe symbols: %v", ErrInvalidConfig, err)
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
