package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

const (
	QueueStatusQueued    = "queued"
	QueueStatusBatched   = "batched"
	QueueStatusExecuting = "executing"
	QueueStatusExecuted  = "executed"
	QueueStatusFailed    = "failed"
	QueueStatusCancelled = "cancelled"
)

// QueueEntry is one desired order awaiting its batch window.
type QueueEntry struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	SignalID    uint64 `gorm:"not null;index"`
	ExecutionID uint64 `gorm:"not null;index"`
	UserID      string `gorm:"type:varchar(100);not null;index"`

	Symbol     string          `gorm:"type:varchar(30);not null;index"`
	Side       string          `gorm:"type:varchar(10);not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	BrokerType string          `gorm:"type:varchar(30);not null;index"`
	Priority   string          `gorm:"type:varchar(10);not null;default:'normal'"`

	ScheduledExecutionAt time.Time `gorm:"type:timestamptz;not null;index"`

	Status        string  `gorm:"type:varchar(20);not null;default:'queued';index"`
	BatchID       *string `gorm:"type:varchar(50);index"`
	BrokerOrderID *string `gorm:"type:varchar(100);index"`
	FailureReason string  `gorm:"type:text"`

	QueuedAt  time.Time `gorm:"type:timestamptz;not null;index"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (QueueEntry) TableName() string {
	return "queue_entries"
}

// PriorityRank orders high before normal before low.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}
