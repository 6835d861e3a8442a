package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"algotrader/internal/models"
)

type AlgorithmRepository interface {
	InsertAlgorithm(ctx context.Context, item *models.Algorithm) error
	UpdateAlgorithm(ctx context.Context, item *models.Algorithm) error
	GetAlgorithmByID(ctx context.Context, id uint64) (*models.Algorithm, error)
	ListAlgorithms(ctx context.Context, params ListAlgorithmsParams) ([]models.Algorithm, error)
	CountAlgorithms(ctx context.Context, params ListAlgorithmsParams) (int64, error)

	// ListRunnableAlgorithms returns active algorithms with auto_run set.
	ListRunnableAlgorithms(ctx context.Context) ([]models.Algorithm, error)
	UpdateAlgorithmRunState(ctx context.Context, id uint64, updates map[string]any) error
	SetAlgorithmStatus(ctx context.Context, id uint64, status string) error
}

type ExecutionRepository interface {
	InsertExecution(ctx context.Context, item *models.Execution) error
	UpdateExecution(ctx context.Context, id uint64, updates map[string]any) error
	GetExecutionByID(ctx context.Context, id uint64) (*models.Execution, error)
	ListExecutions(ctx context.Context, params ListExecutionsParams) ([]models.Execution, error)
	CountExecutions(ctx context.Context, params ListExecutionsParams) (int64, error)
}

type SignalRepository interface {
	InsertSignal(ctx context.Context, item *models.Signal) error
	GetSignalByID(ctx context.Context, id uint64) (*models.Signal, error)
	UpdateSignalStatus(ctx context.Context, id uint64, status string) error
	BulkUpdateSignalStatus(ctx context.Context, ids []uint64, status string) (int64, error)
	ListSignals(ctx context.Context, params ListSignalsParams) ([]models.Signal, error)
	CountSignals(ctx context.Context, params ListSignalsParams) (int64, error)

	// ExpirePendingSignals marks pending signals past their expiry as expired.
	ExpirePendingSignals(ctx context.Context, now time.Time) (int64, error)
}

type QueueRepository interface {
	InsertQueueEntry(ctx context.Context, item *models.QueueEntry) error
	GetQueueEntryByID(ctx context.Context, id uint64) (*models.QueueEntry, error)
	UpdateQueueEntryStatus(ctx context.Context, id uint64, status string, updates map[string]any) error
	BulkUpdateQueueStatus(ctx context.Context, ids []uint64, status string, failureReason string) (int64, error)

	// ListDueQueueEntries returns queued entries whose batch window is at or before now.
	ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	AssignQueueBatch(ctx context.Context, ids []uint64, batchID string, status string) error
	ListQueueEntriesByBatchID(ctx context.Context, batchID string) ([]models.QueueEntry, error)
	ListQueueEntries(ctx context.Context, params ListQueueEntriesParams) ([]models.QueueEntry, error)
	CountQueueEntries(ctx context.Context, params ListQueueEntriesParams) (int64, error)
}

type OrderRepository interface {
	InsertBrokerOrder(ctx context.Context, item *models.BrokerOrder) error
	UpdateBrokerOrder(ctx context.Context, id uint64, updates map[string]any) error
	GetBrokerOrderByBatchID(ctx context.Context, batchID string) (*models.BrokerOrder, error)
	ListUnresolvedBrokerOrders(ctx context.Context, limit int) ([]models.BrokerOrder, error)
	ListBrokerOrders(ctx context.Context, params ListBrokerOrdersParams) ([]models.BrokerOrder, error)
}

type PositionRepository interface {
	GetPositionByID(ctx context.Context, id uint64) (*models.Position, error)
	GetPositionByKey(ctx context.Context, portfolioID, symbol string) (*models.Position, error)
	UpsertPosition(ctx context.Context, item *models.Position) error
	ListPositions(ctx context.Context, params ListPositionsParams) ([]models.Position, error)
	CountPositions(ctx context.Context, params ListPositionsParams) (int64, error)
	InsertPositionHistory(ctx context.Context, item *models.PositionHistory) error
	ListPositionHistory(ctx context.Context, params ListPositionHistoryParams) ([]models.PositionHistory, error)

	CountOpenPositionsBySource(ctx context.Context, sourceType string, sourceID uint64) (int64, error)
	SumRealizedPnLBySource(ctx context.Context, sourceType string, sourceID uint64, since *time.Time) (decimal.Decimal, error)
	PositionsSummary(ctx context.Context, userID string) (PositionsSummary, error)
}

type BacktestRepository interface {
	InsertBacktestResult(ctx context.Context, item *models.BacktestResult) error
	GetBacktestResultByID(ctx context.Context, id uint64) (*models.BacktestResult, error)
	ListBacktestResults(ctx context.Context, params ListBacktestResultsParams) ([]models.BacktestResult, error)
}

// Repository is the unified store expected by the engine wiring.
type Repository interface {
	AlgorithmRepository
	ExecutionRepository
	SignalRepository
	QueueRepository
	OrderRepository
	PositionRepository
	BacktestRepository

	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ListAlgorithmsParams struct {
	Limit   int
	Offset  int
	UserID  *string
	Status  *string
	AutoRun *bool
	OrderBy string
	Asc     *bool
}

type ListExecutionsParams struct {
	Limit       int
	Offset      int
	AlgorithmID *uint64
	Status      *string
	Type        *string
	Since       *time.Time
	OrderBy     string
	Asc         *bool
}

type ListSignalsParams struct {
	Limit       int
	Offset      int
	AlgorithmID *uint64
	ExecutionID *uint64
	Status      *string
	Symbol      *string
	Since       *time.Time
	OrderBy     string
	Asc         *bool
}

type ListQueueEntriesParams struct {
	Limit   int
	Offset  int
	UserID  *string
	Status  *string
	BatchID *string
	Symbol  *string
	OrderBy string
	Asc     *bool
}

type ListBrokerOrdersParams struct {
	Limit      int
	Offset     int
	Status     *string
	BrokerType *string
	Symbol     *string
	OrderBy    string
	Asc        *bool
}

type ListPositionsParams struct {
	Limit       int
	Offset      int
	UserID      *string
	PortfolioID *string
	Status      *string
	SourceType  *string
	SourceID    *uint64
	Symbol      *string
	OrderBy     string
	Asc         *bool
}

type ListPositionHistoryParams struct {
	Limit       int
	Offset      int
	UserID      *string
	PortfolioID *string
	Symbol      *string
	Since       *time.Time
	OrderBy     string
	Asc         *bool
}

type ListBacktestResultsParams struct {
	Limit       int
	Offset      int
	AlgorithmID *uint64
	OrderBy     string
	Asc         *bool
}

type PositionsSummary struct {
	TotalActive     int64
	TotalInvestment float64
	TotalMarketVal  float64
	UnrealizedPnL   float64
	RealizedPnL     float64
}
