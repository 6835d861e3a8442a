package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BacktestResult is immutable once computed. It never touches live positions.
type BacktestResult struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	AlgorithmID uint64 `gorm:"not null;index"`

	StartDate time.Time `gorm:"type:timestamptz;not null"`
	EndDate   time.Time `gorm:"type:timestamptz;not null"`

	InitialCapital decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	FinalCapital   decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	EquityCurve datatypes.JSON `gorm:"type:jsonb;not null"`
	TradeLog    datatypes.JSON `gorm:"type:jsonb;not null"`

	TotalTrades  int     `gorm:"not null;default:0"`
	Sharpe       float64 `gorm:"not null;default:0"`
	Sortino      float64 `gorm:"not null;default:0"`
	MaxDrawdown  float64 `gorm:"not null;default:0"`
	WinRate      float64 `gorm:"not null;default:0"`
	ProfitFactor float64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (BacktestResult) TableName() string {
	return "backtest_results"
}
