package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
	DirectionHold = "hold"
)

const (
	SignalPending   = "pending"
	SignalFilled    = "filled"
	SignalRejected  = "rejected"
	SignalCancelled = "cancelled"
	SignalExpired   = "expired"
)

type Signal struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	AlgorithmID uint64 `gorm:"not null;index"`
	ExecutionID uint64 `gorm:"not null;index"`

	Symbol    string `gorm:"type:varchar(30);not null;index"`
	Direction string `gorm:"type:varchar(10);not null"`

	Quantity       decimal.Decimal  `gorm:"type:numeric(30,10);not null"`
	SuggestedPrice *decimal.Decimal `gorm:"type:numeric(20,10)"`
	StopLoss       *decimal.Decimal `gorm:"type:numeric(20,10)"`
	Target         *decimal.Decimal `gorm:"type:numeric(20,10)"`
	Confidence     float64          `gorm:"not null;default:0"`
	Reason         string           `gorm:"type:text"`

	ExecutionStatus string     `gorm:"type:varchar(20);not null;default:'pending';index"`
	ExpiresAt       *time.Time `gorm:"type:timestamptz;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Signal) TableName() string {
	return "signals"
}

// Expired reports whether the signal is past its expiry at the given instant.
func (s Signal) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}
