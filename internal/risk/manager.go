package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/config"
	"algotrader/internal/models"
	"algotrader/internal/repository"
)

// Manager applies per-algorithm risk gates before and after evaluation.
type Manager struct {
	Config config.RiskConfig
	Repo   repository.Repository
	Logger *zap.Logger
}

// Verdict is the outcome of a pre-run risk check.
type Verdict struct {
	Allowed  bool
	AutoStop bool
	Reason   string
}

func allow() Verdict { return Verdict{Allowed: true} }

// CheckRun gates one evaluation pass. It may demand an auto-stop when the
// algorithm's loss threshold is breached.
func (m *Manager) CheckRun(ctx context.Context, algo models.Algorithm, now time.Time) (Verdict, error) {
	if m == nil || m.Repo == nil {
		return allow(), nil
	}

	if algo.AutoStopOnLoss && algo.AutoStopLossThreshold.IsPositive() {
		total, err := m.Repo.SumRealizedPnLBySource(ctx, models.SourceAlgorithm, algo.ID, nil)
		if err != nil {
			return Verdict{}, fmt.Errorf("sum realized pnl: %w", err)
		}
		if total.IsNegative() && total.Neg().GreaterThanOrEqual(algo.AutoStopLossThreshold) {
			if m.Logger != nil {
				m.Logger.Warn("risk: loss threshold breached",
					zap.Uint64("algorithm_id", algo.ID),
					zap.String("realized_pnl", total.StringFixed(2)),
					zap.String("threshold", algo.AutoStopLossThreshold.StringFixed(2)),
				)
			}
			return Verdict{AutoStop: true, Reason: "Loss threshold exceeded"}, nil
		}
	}

	maxDaily := m.dailyLossLimit(algo)
	if maxDaily.IsPositive() {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		daily, err := m.Repo.SumRealizedPnLBySource(ctx, models.SourceAlgorithm, algo.ID, &dayStart)
		if err != nil {
			return Verdict{}, fmt.Errorf("sum daily pnl: %w", err)
		}
		if daily.IsNegative() && daily.Neg().GreaterThanOrEqual(maxDaily) {
			if m.Logger != nil {
				m.Logger.Info("risk: daily loss limit reached, pass skipped",
					zap.Uint64("algorithm_id", algo.ID),
					zap.String("daily_pnl", daily.StringFixed(2)),
				)
			}
			return Verdict{Reason: "Daily loss limit reached"}, nil
		}
	}
	return allow(), nil
}

// OpenPositionCount returns how many positions the algorithm currently
// holds, for the evaluator's max-positions gate.
func (m *Manager) OpenPositionCount(ctx context.Context, algorithmID uint64) (int64, error) {
	if m == nil || m.Repo == nil {
		return 0, nil
	}
	return m.Repo.CountOpenPositionsBySource(ctx, models.SourceAlgorithm, algorithmID)
}

// MaxOpenPositions resolves the effective position cap for an algorithm.
func (m *Manager) MaxOpenPositions(algo models.Algorithm) int {
	if algo.MaxPositions > 0 {
		return algo.MaxPositions
	}
	if m != nil && m.Config.DefaultMaxOpen > 0 {
		return m.Config.DefaultMaxOpen
	}
	return 0
}

func (m *Manager) dailyLossLimit(algo models.Algorithm) decimal.Decimal {
	if algo.MaxDailyLoss.IsPositive() {
		return algo.MaxDailyLoss
	}
	if m.Config.MaxDailyLoss > 0 {
		return decimal.NewFromFloat(m.Config.MaxDailyLoss)
	}
	return decimal.Zero
}
