package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"algotrader/internal/models"
	"algotrader/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- algorithms -------------------------------------------------------------

func (s *Store) InsertAlgorithm(ctx context.Context, item *models.Algorithm) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateAlgorithm(ctx context.Context, item *models.Algorithm) error {
	if s == nil || s.db == nil || item == nil || item.ID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) GetAlgorithmByID(ctx context.Context, id uint64) (*models.Algorithm, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Algorithm
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) algorithmQuery(ctx context.Context, params repository.ListAlgorithmsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Algorithm{})
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.AutoRun != nil {
		query = query.Where("auto_run = ?", *params.AutoRun)
	}
	return query
}

func (s *Store) ListAlgorithms(ctx context.Context, params repository.ListAlgorithmsParams) ([]models.Algorithm, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.algorithmQuery(ctx, params), params.OrderBy, params.Asc, "created_at")
	var items []models.Algorithm
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAlgorithms(ctx context.Context, params repository.ListAlgorithmsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.algorithmQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListRunnableAlgorithms(ctx context.Context) ([]models.Algorithm, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Algorithm
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.AlgoStatusActive).
		Where("auto_run = ?", true).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateAlgorithmRunState(ctx context.Context, id uint64, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 || len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Algorithm{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) SetAlgorithmStatus(ctx context.Context, id uint64, status string) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Algorithm{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}).Error
}

// --- executions -------------------------------------------------------------

func (s *Store) InsertExecution(ctx context.Context, item *models.Execution) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateExecution(ctx context.Context, id uint64, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 || len(updates) == 0 {
		return nil
	}
	// Terminal executions are immutable.
	return s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ?", id).
		Where("status = ?", models.ExecStatusRunning).
		Updates(updates).Error
}

func (s *Store) GetExecutionByID(ctx context.Context, id uint64) (*models.Execution, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Execution
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) executionQuery(ctx context.Context, params repository.ListExecutionsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Execution{})
	if params.AlgorithmID != nil && *params.AlgorithmID > 0 {
		query = query.Where("algorithm_id = ?", *params.AlgorithmID)
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Type != nil && strings.TrimSpace(*params.Type) != "" {
		query = query.Where("type = ?", strings.TrimSpace(*params.Type))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("started_at >= ?", *params.Since)
	}
	return query
}

func (s *Store) ListExecutions(ctx context.Context, params repository.ListExecutionsParams) ([]models.Execution, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.executionQuery(ctx, params), params.OrderBy, params.Asc, "started_at")
	var items []models.Execution
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountExecutions(ctx context.Context, params repository.ListExecutionsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.executionQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- signals ----------------------------------------------------------------

func (s *Store) InsertSignal(ctx context.Context, item *models.Signal) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetSignalByID(ctx context.Context, id uint64) (*models.Signal, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Signal
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateSignalStatus(ctx context.Context, id uint64, status string) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Signal{}).Where("id = ?", id).Updates(map[string]any{
		"execution_status": status,
		"updated_at":       time.Now().UTC(),
	}).Error
}

func (s *Store) BulkUpdateSignalStatus(ctx context.Context, ids []uint64, status string) (int64, error) {
	if s == nil || s.db == nil || len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Signal{}).Where("id IN ?", ids).Updates(map[string]any{
		"execution_status": status,
		"updated_at":       time.Now().UTC(),
	})
	return res.RowsAffected, res.Error
}

func (s *Store) signalQuery(ctx context.Context, params repository.ListSignalsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Signal{})
	if params.AlgorithmID != nil && *params.AlgorithmID > 0 {
		query = query.Where("algorithm_id = ?", *params.AlgorithmID)
	}
	if params.ExecutionID != nil && *params.ExecutionID > 0 {
		query = query.Where("execution_id = ?", *params.ExecutionID)
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("execution_status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	return query
}

func (s *Store) ListSignals(ctx context.Context, params repository.ListSignalsParams) ([]models.Signal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.signalQuery(ctx, params), params.OrderBy, params.Asc, "created_at")
	var items []models.Signal
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSignals(ctx context.Context, params repository.ListSignalsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.signalQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ExpirePendingSignals(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("execution_status = ?", models.SignalPending).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now).
		Updates(map[string]any{
			"execution_status": models.SignalExpired,
			"updated_at":       now,
		})
	return res.RowsAffected, res.Error
}

// --- queue entries ----------------------------------------------------------

func (s *Store) InsertQueueEntry(ctx context.Context, item *models.QueueEntry) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetQueueEntryByID(ctx context.Context, id uint64) (*models.QueueEntry, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.QueueEntry
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateQueueEntryStatus(ctx context.Context, id uint64, status string, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = status
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.QueueEntry{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) BulkUpdateQueueStatus(ctx context.Context, ids []uint64, status string, failureReason string) (int64, error) {
	if s == nil || s.db == nil || len(ids) == 0 {
		return 0, nil
	}
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if strings.TrimSpace(failureReason) != "" {
		updates["failure_reason"] = failureReason
	}
	res := s.db.WithContext(ctx).Model(&models.QueueEntry{}).Where("id IN ?", ids).Updates(updates)
	return res.RowsAffected, res.Error
}

func (s *Store) ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var items []models.QueueEntry
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.QueueStatusQueued).
		Where("scheduled_execution_at <= ?", now).
		Order("scheduled_execution_at asc, queued_at asc").
		Limit(normalizeLimit(limit, 500)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AssignQueueBatch(ctx context.Context, ids []uint64, batchID string, status string) error {
	if s == nil || s.db == nil || len(ids) == 0 || strings.TrimSpace(batchID) == "" {
		return nil
	}
	// Guarded on queued so an entry can never land in two batches.
	return s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("id IN ?", ids).
		Where("status = ?", models.QueueStatusQueued).
		Updates(map[string]any{
			"batch_id":   batchID,
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (s *Store) ListQueueEntriesByBatchID(ctx context.Context, batchID string) ([]models.QueueEntry, error) {
	if s == nil || s.db == nil || strings.TrimSpace(batchID) == "" {
		return nil, nil
	}
	var items []models.QueueEntry
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("queued_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) queueQuery(ctx context.Context, params repository.ListQueueEntriesParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.QueueEntry{})
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.BatchID != nil && strings.TrimSpace(*params.BatchID) != "" {
		query = query.Where("batch_id = ?", strings.TrimSpace(*params.BatchID))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	return query
}

func (s *Store) ListQueueEntries(ctx context.Context, params repository.ListQueueEntriesParams) ([]models.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.queueQuery(ctx, params), params.OrderBy, params.Asc, "queued_at")
	var items []models.QueueEntry
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountQueueEntries(ctx context.Context, params repository.ListQueueEntriesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.queueQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- broker orders ----------------------------------------------------------

func (s *Store) InsertBrokerOrder(ctx context.Context, item *models.BrokerOrder) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateBrokerOrder(ctx context.Context, id uint64, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 || len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.BrokerOrder{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) GetBrokerOrderByBatchID(ctx context.Context, batchID string) (*models.BrokerOrder, error) {
	if s == nil || s.db == nil || strings.TrimSpace(batchID) == "" {
		return nil, nil
	}
	var item models.BrokerOrder
	err := s.db.WithContext(ctx).First(&item, "batch_id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListUnresolvedBrokerOrders(ctx context.Context, limit int) ([]models.BrokerOrder, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.BrokerOrder
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderStatusPending, models.OrderStatusSubmitted, models.OrderStatusPartial}).
		Order("created_at asc").
		Limit(normalizeLimit(limit, 500)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) brokerOrderQuery(ctx context.Context, params repository.ListBrokerOrdersParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.BrokerOrder{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.BrokerType != nil && strings.TrimSpace(*params.BrokerType) != "" {
		query = query.Where("broker_type = ?", strings.TrimSpace(*params.BrokerType))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	return query
}

func (s *Store) ListBrokerOrders(ctx context.Context, params repository.ListBrokerOrdersParams) ([]models.BrokerOrder, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.brokerOrderQuery(ctx, params), params.OrderBy, params.Asc, "created_at")
	var items []models.BrokerOrder
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- positions --------------------------------------------------------------

func (s *Store) GetPositionByID(ctx context.Context, id uint64) (*models.Position, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Position
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetPositionByKey(ctx context.Context, portfolioID, symbol string) (*models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	portfolioID = strings.TrimSpace(portfolioID)
	symbol = strings.TrimSpace(symbol)
	if portfolioID == "" || symbol == "" {
		return nil, nil
	}
	var item models.Position
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Where("symbol = ?", symbol).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertPosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Symbol = strings.TrimSpace(item.Symbol)
	item.PortfolioID = strings.TrimSpace(item.PortfolioID)
	if item.Symbol == "" || item.PortfolioID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "portfolio_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"quantity",
			"initial_quantity",
			"avg_cost",
			"current_price",
			"realized_pnl",
			"unrealized_pnl",
			"source_type",
			"source_id",
			"status",
			"opened_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) positionQuery(ctx context.Context, params repository.ListPositionsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Position{})
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.PortfolioID != nil && strings.TrimSpace(*params.PortfolioID) != "" {
		query = query.Where("portfolio_id = ?", strings.TrimSpace(*params.PortfolioID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.SourceType != nil && strings.TrimSpace(*params.SourceType) != "" {
		query = query.Where("source_type = ?", strings.TrimSpace(*params.SourceType))
	}
	if params.SourceID != nil && *params.SourceID > 0 {
		query = query.Where("source_id = ?", *params.SourceID)
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	return query
}

func (s *Store) ListPositions(ctx context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.positionQuery(ctx, params), params.OrderBy, params.Asc, "opened_at")
	var items []models.Position
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPositions(ctx context.Context, params repository.ListPositionsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.positionQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) InsertPositionHistory(ctx context.Context, item *models.PositionHistory) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListPositionHistory(ctx context.Context, params repository.ListPositionHistoryParams) ([]models.PositionHistory, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PositionHistory{})
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.PortfolioID != nil && strings.TrimSpace(*params.PortfolioID) != "" {
		query = query.Where("portfolio_id = ?", strings.TrimSpace(*params.PortfolioID))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("closed_at >= ?", *params.Since)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "closed_at")
	var items []models.PositionHistory
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOpenPositionsBySource(ctx context.Context, sourceType string, sourceID uint64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.Position{}).
		Where("source_type = ?", sourceType).
		Where("source_id = ?", sourceID).
		Where("status <> ?", models.PositionSold).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SumRealizedPnLBySource(ctx context.Context, sourceType string, sourceID uint64, since *time.Time) (decimal.Decimal, error) {
	if s == nil || s.db == nil {
		return decimal.Zero, nil
	}
	type row struct {
		Total decimal.Decimal
	}
	var out row
	query := s.db.WithContext(ctx).Model(&models.PositionHistory{}).
		Select("COALESCE(SUM(realized_pnl), 0) AS total").
		Where("source_type = ?", sourceType).
		Where("source_id = ?", sourceID)
	if since != nil && !since.IsZero() {
		query = query.Where("closed_at >= ?", *since)
	}
	if err := query.Scan(&out).Error; err != nil {
		return decimal.Zero, err
	}

	// Open positions contribute realized slices from partial closes.
	var open row
	if err := s.db.WithContext(ctx).Model(&models.Position{}).
		Select("COALESCE(SUM(realized_pnl), 0) AS total").
		Where("source_type = ?", sourceType).
		Where("source_id = ?", sourceID).
		Where("status <> ?", models.PositionSold).
		Scan(&open).Error; err != nil {
		return decimal.Zero, err
	}
	return out.Total.Add(open.Total), nil
}

func (s *Store) PositionsSummary(ctx context.Context, userID string) (repository.PositionsSummary, error) {
	out := repository.PositionsSummary{}
	if s == nil || s.db == nil {
		return out, nil
	}
	type row struct {
		TotalActive     int64
		TotalInvestment float64
		TotalMarketVal  float64
		UnrealizedPnL   float64
		RealizedPnL     float64
	}
	var r row
	query := s.db.WithContext(ctx).Model(&models.Position{}).
		Select(`COUNT(*) AS total_active,
COALESCE(SUM(quantity * avg_cost), 0) AS total_investment,
COALESCE(SUM(quantity * current_price), 0) AS total_market_val,
COALESCE(SUM(unrealized_pnl), 0) AS unrealized_pn_l,
COALESCE(SUM(realized_pnl), 0) AS realized_pn_l`).
		Where("status <> ?", models.PositionSold)
	if strings.TrimSpace(userID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(userID))
	}
	if err := query.Scan(&r).Error; err != nil {
		return out, err
	}
	out.TotalActive = r.TotalActive
	out.TotalInvestment = r.TotalInvestment
	out.TotalMarketVal = r.TotalMarketVal
	out.UnrealizedPnL = r.UnrealizedPnL
	out.RealizedPnL = r.RealizedPnL
	return out, nil
}

// --- backtests --------------------------------------------------------------

func (s *Store) InsertBacktestResult(ctx context.Context, item *models.BacktestResult) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetBacktestResultByID(ctx context.Context, id uint64) (*models.BacktestResult, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.BacktestResult
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListBacktestResults(ctx context.Context, params repository.ListBacktestResultsParams) ([]models.BacktestResult, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.BacktestResult{})
	if params.AlgorithmID != nil && *params.AlgorithmID > 0 {
		query = query.Where("algorithm_id = ?", *params.AlgorithmID)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.BacktestResult
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
