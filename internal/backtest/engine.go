package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/config"
	"algotrader/internal/marketdata"
	"algotrader/internal/models"
	"algotrader/internal/repository"
	"algotrader/internal/strategy"
)

// Engine replays a strategy over historical bars with a simulated
// portfolio. No queue, no broker: fills happen at the bar close. Identical
// inputs replay to identical equity curves and trade logs.
type Engine struct {
	Repo    repository.Repository
	Logger  *zap.Logger
	History marketdata.HistoryProvider
	Config  config.BacktestConfig
}

type equityPoint struct {
	Date   string `json:"date"`
	Equity string `json:"equity"`
}

type tradeRecord struct {
	Date     string `json:"date"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	PnL      string `json:"pnl,omitempty"`
}

type simPosition struct {
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// Run backtests one algorithm over [start, end] and persists the result.
func (e *Engine) Run(ctx context.Context, algo models.Algorithm, start, end time.Time, initialCapital decimal.Decimal) (*models.BacktestResult, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: backtest end must be after start", strategy.ErrInvalidConfig)
	}
	if e.Config.MaxRangeDays > 0 && end.Sub(start) > time.Duration(e.Config.MaxRangeDays)*24*time.Hour {
		return nil, fmt.Errorf("%w: backtest range exceeds %d days", strategy.ErrInvalidConfig, e.Config.MaxRangeDays)
	}
	if !initialCapital.IsPositive() {
		return nil, fmt.Errorf("%w: initial capital must be positive", strategy.ErrInvalidConfig)
	}
	ev, err := strategy.ForAlgorithm(algo)
	if err != nil {
		return nil, err
	}
	symbols, err := strategy.UniverseSymbols(algo)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: backtest needs a symbol universe", strategy.ErrInvalidConfig)
	}

	bars, err := e.History.GetHistory(ctx, symbols, start, end)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	days := groupByDay(bars)

	cash := initialCapital
	positions := map[string]*simPosition{}
	var curve []equityPoint
	var trades []tradeRecord
	wins, losses := 0, 0
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	var equities []decimal.Decimal

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snapshot := marketdata.Snapshot{}
		for _, bar := range day.bars {
			snapshot[bar.Symbol] = marketdata.Quote{
				Symbol:     bar.Symbol,
				Price:      bar.Close,
				Volume:     bar.Volume,
				Indicators: bar.Indicators,
				AsOf:       bar.Time,
			}
		}

		equity := markToMarket(cash, positions, snapshot)
		open := openPositions(algo, positions)
		drafts, err := ev.Evaluate(ctx, strategy.EvalInput{
			Algorithm:      algo,
			Snapshot:       snapshot,
			OpenPositions:  open,
			PortfolioValue: equity,
			Now:            day.date,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", day.date.Format("2006-01-02"), err)
		}

		for _, d := range drafts {
			quote, ok := snapshot[d.Symbol]
			if !ok {
				continue
			}
			price := quote.Price
			switch d.Direction {
			case models.DirectionBuy:
				cost := price.Mul(d.Quantity)
				if cost.GreaterThan(cash) {
					continue
				}
				cash = cash.Sub(cost)
				pos := positions[d.Symbol]
				if pos == nil {
					positions[d.Symbol] = &simPosition{quantity: d.Quantity, avgCost: price}
				} else {
					newQty := pos.quantity.Add(d.Quantity)
					pos.avgCost = pos.avgCost.Mul(pos.quantity).Add(cost).Div(newQty)
					pos.quantity = newQty
				}
				trades = append(trades, tradeRecord{
					Date:     day.date.Format("2006-01-02"),
					Symbol:   d.Symbol,
					Side:     models.DirectionBuy,
					Quantity: d.Quantity.String(),
					Price:    price.String(),
				})
			case models.DirectionSell:
				pos := positions[d.Symbol]
				if pos == nil {
					continue
				}
				qty := decimal.Min(d.Quantity, pos.quantity)
				if !qty.IsPositive() {
					continue
				}
				proceeds := price.Mul(qty)
				pnl := price.Sub(pos.avgCost).Mul(qty)
				cash = cash.Add(proceeds)
				pos.quantity = pos.quantity.Sub(qty)
				if pos.quantity.IsZero() {
					delete(positions, d.Symbol)
				}
				if pnl.IsPositive() {
					wins++
					grossProfit = grossProfit.Add(pnl)
				} else if pnl.IsNegative() {
					losses++
					grossLoss = grossLoss.Add(pnl.Neg())
				}
				trades = append(trades, tradeRecord{
					Date:     day.date.Format("2006-01-02"),
					Symbol:   d.Symbol,
					Side:     models.DirectionSell,
					Quantity: qty.String(),
					Price:    price.String(),
					PnL:      pnl.String(),
				})
			}
		}

		equity = markToMarket(cash, positions, snapshot)
		equities = append(equities, equity)
		curve = append(curve, equityPoint{
			Date:   day.date.Format("2006-01-02"),
			Equity: equity.StringFixed(2),
		})
	}

	final := initialCapital
	if len(equities) > 0 {
		final = equities[len(equities)-1]
	}
	curveJSON, err := json.Marshal(curve)
	if err != nil {
		return nil, err
	}
	tradesJSON, err := json.Marshal(trades)
	if err != nil {
		return nil, err
	}

	m := computeMetrics(equities, wins, losses, grossProfit, grossLoss)
	result := &models.BacktestResult{
		AlgorithmID:    algo.ID,
		StartDate:      start.UTC(),
		EndDate:        end.UTC(),
		InitialCapital: initialCapital,
		FinalCapital:   final,
		EquityCurve:    curveJSON,
		TradeLog:       tradesJSON,
		TotalTrades:    len(trades),
		Sharpe:         m.sharpe,
		Sortino:        m.sortino,
		MaxDrawdown:    m.maxDrawdown,
		WinRate:        m.winRate,
		ProfitFactor:   m.profitFactor,
	}
	if e.Repo != nil {
		if err := e.Repo.InsertBacktestResult(ctx, result); err != nil {
			return nil, fmt.Errorf("persist backtest result: %w", err)
		}
	}
	if e.Logger != nil {
		e.Logger.Info("backtest: completed",
			zap.Uint64("algorithm_id", algo.ID),
			zap.String("final_capital", final.StringFixed(2)),
			zap.Int("trades", len(trades)),
		)
	}
	return result, nil
}

type tradingDay struct {
	date time.Time
	bars []marketdata.Bar
}

// groupByDay buckets bars into days in ascending order with the bars of
// each day sorted by symbol, so replay order never depends on map or
// provider ordering.
func groupByDay(bars []marketdata.Bar) []tradingDay {
	byDay := map[string][]marketdata.Bar{}
	for _, b := range bars {
		key := b.Time.UTC().Format("2006-01-02")
		byDay[key] = append(byDay[key], b)
	}
	keys := make([]string, 0, len(byDay))
	for k := range byDay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]tradingDay, 0, len(keys))
	for _, k := range keys {
		dayBars := byDay[k]
		sort.SliceStable(dayBars, func(i, j int) bool { return dayBars[i].Symbol < dayBars[j].Symbol })
		date, _ := time.Parse("2006-01-02", k)
		out = append(out, tradingDay{date: date, bars: dayBars})
	}
	return out
}

func markToMarket(cash decimal.Decimal, positions map[string]*simPosition, snapshot marketdata.Snapshot) decimal.Decimal {
	equity := cash
	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		pos := positions[sym]
		price := pos.avgCost
		if q, ok := snapshot[sym]; ok && q.Price.IsPositive() {
			price = q.Price
		}
		equity = equity.Add(price.Mul(pos.quantity))
	}
	return equity
}

func openPositions(algo models.Algorithm, positions map[string]*simPosition) []models.Position {
	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	out := make([]models.Position, 0, len(symbols))
	for _, sym := range symbols {
		pos := positions[sym]
		out = append(out, models.Position{
			UserID:   algo.UserID,
			Symbol:   sym,
			Quantity: pos.quantity,
			AvgCost:  pos.avgCost,
			Status:   models.PositionActive,
		})
	}
	return out
}
