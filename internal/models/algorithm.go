package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Algorithm status values.
const (
	AlgoStatusInactive    = "inactive"
	AlgoStatusActive      = "active"
	AlgoStatusError       = "error"
	AlgoStatusBacktesting = "backtesting"
)

// Strategy representation discriminator.
const (
	StrategyTypeCode   = "code"
	StrategyTypeVisual = "visual"
)

// Scheduling policy discriminator.
const (
	ScheduleInterval    = "interval"
	ScheduleTimeWindows = "time_windows"
	ScheduleSingleTime  = "single_time"
	ScheduleContinuous  = "continuous"
)

// Run duration discriminator.
const (
	DurationForever   = "forever"
	DurationDays      = "days"
	DurationMonths    = "months"
	DurationYears     = "years"
	DurationUntilDate = "until_date"
)

type Algorithm struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	UserID string `gorm:"type:varchar(100);not null;index"`

	Name        string `gorm:"type:varchar(200);not null"`
	Description string `gorm:"type:text"`

	StrategyType string         `gorm:"type:varchar(20);not null"`
	StrategyCode string         `gorm:"type:text"`
	RuleGraph    datatypes.JSON `gorm:"type:jsonb"`

	UniverseType    string         `gorm:"type:varchar(20);not null;default:'specific'"`
	UniverseSymbols datatypes.JSON `gorm:"type:jsonb"`
	UniverseFilter  datatypes.JSON `gorm:"type:jsonb"`

	SizingConfig datatypes.JSON `gorm:"type:jsonb;not null"`

	SchedulingType  string         `gorm:"type:varchar(20);not null;default:'interval'"`
	IntervalMinutes int            `gorm:"default:5"`
	TimeWindows     datatypes.JSON `gorm:"type:jsonb"`
	RunTimes        datatypes.JSON `gorm:"type:jsonb"`

	RunDurationType  string     `gorm:"type:varchar(20);not null;default:'forever'"`
	RunDurationValue int        `gorm:"default:0"`
	RunStartDate     *time.Time `gorm:"type:timestamptz"`
	RunEndDate       *time.Time `gorm:"type:timestamptz"`

	MaxPositions          int             `gorm:"default:10"`
	MaxDailyLoss          decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	AutoStopOnLoss        bool            `gorm:"default:false"`
	AutoStopLossThreshold decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	StopOnError           bool            `gorm:"default:false"`

	Status  string `gorm:"type:varchar(20);not null;default:'inactive';index"`
	AutoRun bool   `gorm:"default:false;index"`

	// Run state columns are a durable audit trail; the scheduler's in-memory
	// per-algorithm lease is the actual concurrency guard.
	CurrentlyExecuting bool       `gorm:"default:false"`
	LastRunAt          *time.Time `gorm:"type:timestamptz"`
	NextScheduledRun   *time.Time `gorm:"type:timestamptz"`
	AutoStoppedAt      *time.Time `gorm:"type:timestamptz"`
	AutoStopReason     string     `gorm:"type:varchar(200)"`
	LastError          string     `gorm:"type:text"`
	ErrorCount         int        `gorm:"default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Algorithm) TableName() string {
	return "algorithms"
}
