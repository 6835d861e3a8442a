package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending     = "pending"
	OrderStatusSubmitted   = "submitted"
	OrderStatusPartial     = "partial"
	OrderStatusFilled      = "filled"
	OrderStatusCancelled   = "cancelled"
	OrderStatusRejected    = "rejected"
	OrderStatusNeedsReview = "needs_review"
)

// BrokerOrder is one aggregated order submitted to a broker for a batch.
type BrokerOrder struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	BatchID string `gorm:"type:varchar(50);not null;uniqueIndex"`

	BrokerType    string `gorm:"type:varchar(30);not null;index"`
	TradingMode   string `gorm:"type:varchar(10);not null"`
	BrokerOrderID string `gorm:"type:varchar(100);index"`

	Symbol   string          `gorm:"type:varchar(30);not null;index"`
	Side     string          `gorm:"type:varchar(10);not null"`
	Quantity decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	FilledQuantity decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	FillPercentage decimal.Decimal `gorm:"type:numeric(8,4);not null;default:0"`
	AvgFillPrice   decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	Status        string `gorm:"type:varchar(20);not null;default:'pending';index"`
	Attempts      int    `gorm:"default:0"`
	FailureReason string `gorm:"type:text"`

	ExpectedExecutionDate time.Time  `gorm:"type:timestamptz;not null;index"`
	SubmittedAt           *time.Time `gorm:"type:timestamptz"`
	FilledAt              *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (BrokerOrder) TableName() string {
	return "broker_orders"
}

// Terminal reports whether the order can no longer change fill state.
func (o BrokerOrder) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}
