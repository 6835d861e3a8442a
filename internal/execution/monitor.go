package execution

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/config"
	"algotrader/internal/models"
	"algotrader/internal/position"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
)

// FillApplier is satisfied by position.Manager.
type FillApplier interface {
	ApplyFill(ctx context.Context, f position.Fill) (*models.Position, error)
}

// Monitor sweeps unresolved broker orders, reconciles fill state and fans
// terminal fills back out to queue entries and positions.
type Monitor struct {
	Repo      repository.Repository
	Logger    *zap.Logger
	Config    config.MonitorConfig
	Brokers   map[string]Client
	Positions FillApplier
}

// Sweep polls every unresolved order once. Broker errors on one order are
// logged and do not stop the sweep.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) error {
	if m == nil || m.Repo == nil {
		return nil
	}
	orders, err := m.Repo.ListUnresolvedBrokerOrders(ctx, 500)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.sweepOrder(ctx, order, now); err != nil && m.Logger != nil {
			m.Logger.Error("monitor: sweep order failed",
				zap.String("batch_id", order.BatchID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *Monitor) sweepOrder(ctx context.Context, order models.BrokerOrder, now time.Time) error {
	client, ok := m.Brokers[order.BrokerType]
	if !ok || client == nil || order.BrokerOrderID == "" {
		return m.flagOverdue(ctx, order, now)
	}

	pollCtx := ctx
	cancel := func() {}
	if m.Config.PollTimeout > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, m.Config.PollTimeout)
	}
	st, err := client.GetOrderStatus(pollCtx, order.BrokerOrderID)
	cancel()
	if err != nil {
		return m.flagOverdue(ctx, order, now)
	}

	// Fill quantity only ever grows; a broker reporting less than we have
	// already recorded is stale data.
	filled := order.FilledQuantity
	if st.FilledQuantity.GreaterThan(filled) {
		filled = st.FilledQuantity
	}
	if filled.GreaterThan(order.Quantity) {
		filled = order.Quantity
	}
	fillPct := decimal.Zero
	if order.Quantity.IsPositive() {
		fillPct = filled.Div(order.Quantity).Mul(decimal.NewFromInt(100))
	}
	avgPrice := order.AvgFillPrice
	if st.AvgFillPrice.IsPositive() {
		avgPrice = st.AvgFillPrice
	}

	status := normalizeOrderStatus(st.Status, filled, order.Quantity)
	updates := map[string]any{
		"filled_quantity": filled,
		"fill_percentage": fillPct,
		"avg_fill_price":  avgPrice,
		"status":          status,
	}
	if status == models.OrderStatusFilled && order.FilledAt == nil {
		updates["filled_at"] = now.UTC()
	}
	if err := m.Repo.UpdateBrokerOrder(ctx, order.ID, updates); err != nil {
		return err
	}

	switch status {
	case models.OrderStatusFilled:
		return m.settleBatch(ctx, order, filled, avgPrice, now)
	case models.OrderStatusRejected, models.OrderStatusCancelled:
		return m.failEntries(ctx, order, "order "+status+" by broker")
	}

	order.Status = status
	return m.flagOverdue(ctx, order, now)
}

func normalizeOrderStatus(brokerStatus string, filled, quantity decimal.Decimal) string {
	switch brokerStatus {
	case models.OrderStatusFilled, "complete", "executed":
		return models.OrderStatusFilled
	case models.OrderStatusRejected:
		return models.OrderStatusRejected
	case models.OrderStatusCancelled:
		return models.OrderStatusCancelled
	}
	if filled.IsPositive() && filled.LessThan(quantity) {
		return models.OrderStatusPartial
	}
	if filled.IsPositive() && filled.Equal(quantity) {
		return models.OrderStatusFilled
	}
	return models.OrderStatusSubmitted
}

// settleBatch distributes the order's fill across its entries in batch
// order and applies each slice to positions with the originating
// algorithm's provenance. Entries already settled are skipped.
func (m *Monitor) settleBatch(ctx context.Context, order models.BrokerOrder, filled, avgPrice decimal.Decimal, now time.Time) error {
	entries, err := m.Repo.ListQueueEntriesByBatchID(ctx, order.BatchID)
	if err != nil {
		return err
	}
	pending := entries[:0]
	for _, e := range entries {
		if e.Status == models.QueueStatusExecuting {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := models.PriorityRank(pending[i].Priority), models.PriorityRank(pending[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})

	quantities := make([]decimal.Decimal, len(pending))
	for i, e := range pending {
		quantities[i] = e.Quantity
	}
	parts := queue.DistributeFill(filled, quantities)

	for i, e := range pending {
		if parts[i].IsPositive() && m.Positions != nil {
			src := models.PositionSource(models.ManualSource{})
			if sig, err := m.Repo.GetSignalByID(ctx, e.SignalID); err == nil && sig != nil {
				src = models.AlgorithmSource{AlgorithmID: sig.AlgorithmID}
			}
			if _, err := m.Positions.ApplyFill(ctx, position.Fill{
				UserID:      e.UserID,
				PortfolioID: portfolioID(e.UserID, order.TradingMode),
				Symbol:      e.Symbol,
				Side:        e.Side,
				Quantity:    parts[i],
				Price:       avgPrice,
				Source:      src,
				FilledAt:    now.UTC(),
			}); err != nil {
				return err
			}
		}
		if err := m.Repo.UpdateQueueEntryStatus(ctx, e.ID, models.QueueStatusExecuted, nil); err != nil {
			return err
		}
		if err := m.Repo.UpdateSignalStatus(ctx, e.SignalID, models.SignalFilled); err != nil {
			return err
		}
	}
	if m.Logger != nil {
		m.Logger.Info("monitor: batch settled",
			zap.String("batch_id", order.BatchID),
			zap.String("filled", filled.String()),
			zap.Int("entries", len(pending)),
		)
	}
	return nil
}

func (m *Monitor) failEntries(ctx context.Context, order models.BrokerOrder, reason string) error {
	entries, err := m.Repo.ListQueueEntriesByBatchID(ctx, order.BatchID)
	if err != nil {
		return err
	}
	ids := make([]uint64, 0, len(entries))
	signalIDs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.Status != models.QueueStatusExecuting {
			continue
		}
		ids = append(ids, e.ID)
		signalIDs = append(signalIDs, e.SignalID)
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := m.Repo.BulkUpdateQueueStatus(ctx, ids, models.QueueStatusFailed, reason); err != nil {
		return err
	}
	_, err = m.Repo.BulkUpdateSignalStatus(ctx, signalIDs, models.SignalRejected)
	return err
}

// flagOverdue moves orders still unresolved past their expected execution
// date to needs_review instead of retrying them forever.
func (m *Monitor) flagOverdue(ctx context.Context, order models.BrokerOrder, now time.Time) error {
	if order.Terminal() || order.Status == models.OrderStatusNeedsReview {
		return nil
	}
	if !now.After(order.ExpectedExecutionDate) {
		return nil
	}
	if m.Logger != nil {
		m.Logger.Warn("monitor: order overdue, flagged for review",
			zap.String("batch_id", order.BatchID),
			zap.String("broker_order_id", order.BrokerOrderID),
		)
	}
	return m.Repo.UpdateBrokerOrder(ctx, order.ID, map[string]any{
		"status": models.OrderStatusNeedsReview,
	})
}

func portfolioID(userID, mode string) string {
	if mode == "" {
		mode = "paper"
	}
	return userID + ":" + mode
}
