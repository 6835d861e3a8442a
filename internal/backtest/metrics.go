package backtest

import (
	"math"

	"github.com/shopspring/decimal"
)

const tradingDaysPerYear = 252

type metrics struct {
	sharpe       float64
	sortino      float64
	maxDrawdown  float64
	winRate      float64
	profitFactor float64
}

func computeMetrics(equities []decimal.Decimal, wins, losses int, grossProfit, grossLoss decimal.Decimal) metrics {
	var m metrics

	returns := dailyReturns(equities)
	if len(returns) > 1 {
		mean := meanOf(returns)
		stdev := stdevOf(returns, mean)
		if stdev > 0 {
			m.sharpe = mean / stdev * math.Sqrt(tradingDaysPerYear)
		}
		downside := downsideDeviation(returns)
		if downside > 0 {
			m.sortino = mean / downside * math.Sqrt(tradingDaysPerYear)
		}
	}
	m.maxDrawdown = maxDrawdown(equities)

	closed := wins + losses
	if closed > 0 {
		m.winRate = float64(wins) / float64(closed)
	}
	if grossLoss.IsPositive() {
		m.profitFactor, _ = grossProfit.Div(grossLoss).Float64()
	} else if grossProfit.IsPositive() {
		m.profitFactor = math.Inf(1)
	}
	return m
}

func dailyReturns(equities []decimal.Decimal) []float64 {
	if len(equities) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		prev, _ := equities[i-1].Float64()
		cur, _ := equities[i].Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

func meanOf(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func downsideDeviation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		if x < 0 {
			sum += x * x
		}
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// maxDrawdown is the largest peak-to-trough decline of the equity curve,
// as a fraction of the peak.
func maxDrawdown(equities []decimal.Decimal) float64 {
	if len(equities) == 0 {
		return 0
	}
	peak := equities[0]
	worst := 0.0
	for _, eq := range equities {
		if eq.GreaterThan(peak) {
			peak = eq
		}
		if peak.IsPositive() {
			dd, _ := peak.Sub(eq).Div(peak).Float64()
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
