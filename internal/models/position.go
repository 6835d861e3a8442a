package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionActive  = "active"
	PositionPartial = "partial"
	PositionSold    = "sold"
)

type Position struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	UserID      string `gorm:"type:varchar(100);not null;index"`
	PortfolioID string `gorm:"type:varchar(100);not null;uniqueIndex:idx_portfolio_symbol"`
	Symbol      string `gorm:"type:varchar(30);not null;uniqueIndex:idx_portfolio_symbol"`

	Quantity        decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	InitialQuantity decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	AvgCost         decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	CurrentPrice    decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	RealizedPnL     decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`
	UnrealizedPnL   decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(30,10);not null;default:0"`

	SourceType string  `gorm:"type:varchar(20);not null;default:'manual';index"`
	SourceID   *uint64 `gorm:"index"`

	Status string `gorm:"type:varchar(20);not null;default:'active';index"`

	OpenedAt  time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Position) TableName() string {
	return "positions"
}

// Source resolves the provenance columns into the typed union.
func (p Position) Source() PositionSource {
	return sourceFromColumns(p.SourceType, p.SourceID)
}

// PositionHistory is the archive row written on full closure.
type PositionHistory struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	PositionID  uint64 `gorm:"not null;index"`
	UserID      string `gorm:"type:varchar(100);not null;index"`
	PortfolioID string `gorm:"type:varchar(100);not null;index"`
	Symbol      string `gorm:"type:varchar(30);not null;index"`

	Quantity         decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AvgCost          decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	InvestmentAmount decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	ExitValue        decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null"`
	ROI              decimal.Decimal `gorm:"column:roi;type:numeric(12,6);not null"`

	HoldingPeriodDays int    `gorm:"not null"`
	ClosureReason     string `gorm:"type:varchar(200);not null"`

	SourceType string  `gorm:"type:varchar(20);not null;default:'manual'"`
	SourceID   *uint64 `gorm:"index"`

	OpenedAt  time.Time `gorm:"type:timestamptz;not null"`
	ClosedAt  time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (PositionHistory) TableName() string {
	return "position_history"
}
