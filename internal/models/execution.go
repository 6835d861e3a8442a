package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ExecTypeScheduled = "scheduled"
	ExecTypeManual    = "manual"
	ExecTypeBacktest  = "backtest"
)

const (
	ExecStatusRunning   = "running"
	ExecStatusCompleted = "completed"
	ExecStatusFailed    = "failed"
	ExecStatusCancelled = "cancelled"
)

// Execution is one scheduler tick's worth of work for an algorithm.
// Immutable once it reaches a terminal status.
type Execution struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	AlgorithmID uint64 `gorm:"not null;index"`

	Type        string `gorm:"type:varchar(20);not null;default:'scheduled'"`
	BrokerType  string `gorm:"type:varchar(30)"`
	TradingMode string `gorm:"type:varchar(10)"`

	SignalsGenerated int `gorm:"default:0"`
	OrdersPlaced     int `gorm:"default:0"`
	OrdersFilled     int `gorm:"default:0"`

	Status       string         `gorm:"type:varchar(20);not null;default:'running';index"`
	ErrorMessage string         `gorm:"type:text"`
	Log          datatypes.JSON `gorm:"type:jsonb"`

	StartedAt   time.Time  `gorm:"type:timestamptz;not null;index"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime"`
}

func (Execution) TableName() string {
	return "executions"
}
