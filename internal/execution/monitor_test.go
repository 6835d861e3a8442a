package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/config"
	"algotrader/internal/models"
	"algotrader/internal/position"
	"algotrader/internal/repository"
)

type monitorStub struct {
	repository.Repository

	orders         []models.BrokerOrder
	orderUpdates   map[uint64]map[string]any
	entries        map[string][]models.QueueEntry
	signals        map[uint64]*models.Signal
	entryStatuses  map[uint64]string
	signalStatuses map[uint64]string
}

func newMonitorStub() *monitorStub {
	return &monitorStub{
		orderUpdates:   map[uint64]map[string]any{},
		entries:        map[string][]models.QueueEntry{},
		signals:        map[uint64]*models.Signal{},
		entryStatuses:  map[uint64]string{},
		signalStatuses: map[uint64]string{},
	}
}

func (s *monitorStub) ListUnresolvedBrokerOrders(ctx context.Context, limit int) ([]models.BrokerOrder, error) {
	return s.orders, nil
}

func (s *monitorStub) UpdateBrokerOrder(ctx context.Context, id uint64, updates map[string]any) error {
	merged := s.orderUpdates[id]
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range updates {
		merged[k] = v
	}
	s.orderUpdates[id] = merged
	return nil
}

func (s *monitorStub) ListQueueEntriesByBatchID(ctx context.Context, batchID string) ([]models.QueueEntry, error) {
	return s.entries[batchID], nil
}

func (s *monitorStub) GetSignalByID(ctx context.Context, id uint64) (*models.Signal, error) {
	return s.signals[id], nil
}

func (s *monitorStub) UpdateQueueEntryStatus(ctx context.Context, id uint64, status string, updates map[string]any) error {
	s.entryStatuses[id] = status
	return nil
}

func (s *monitorStub) UpdateSignalStatus(ctx context.Context, id uint64, status string) error {
	s.signalStatuses[id] = status
	return nil
}

func (s *monitorStub) BulkUpdateQueueStatus(ctx context.Context, ids []uint64, status, reason string) (int64, error) {
	for _, id := range ids {
		s.entryStatuses[id] = status
	}
	return int64(len(ids)), nil
}

func (s *monitorStub) BulkUpdateSignalStatus(ctx context.Context, ids []uint64, status string) (int64, error) {
	for _, id := range ids {
		s.signalStatuses[id] = status
	}
	return int64(len(ids)), nil
}

type fixedBroker struct {
	status OrderStatus
	err    error
}

func (b *fixedBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return "", nil
}

func (b *fixedBroker) GetOrderStatus(ctx context.Context, id string) (OrderStatus, error) {
	return b.status, b.err
}

type fillRecorder struct {
	fills []position.Fill
}

func (r *fillRecorder) ApplyFill(ctx context.Context, f position.Fill) (*models.Position, error) {
	r.fills = append(r.fills, f)
	return &models.Position{}, nil
}

func sweptOrder(status string) models.BrokerOrder {
	return models.BrokerOrder{
		ID:                    1,
		BatchID:               "batch-1",
		BrokerType:            "sim",
		TradingMode:           "paper",
		BrokerOrderID:         "bo-1",
		Symbol:                "AAPL",
		Side:                  models.DirectionBuy,
		Quantity:              decimal.NewFromInt(25),
		Status:                status,
		ExpectedExecutionDate: time.Date(2026, 3, 3, 10, 5, 0, 0, time.UTC),
	}
}

func batchEntries(window time.Time) []models.QueueEntry {
	return []models.QueueEntry{
		{ID: 1, SignalID: 11, UserID: "u1", Symbol: "AAPL", Side: models.DirectionBuy,
			Quantity: decimal.NewFromInt(10), Priority: models.PriorityHigh,
			Status: models.QueueStatusExecuting, QueuedAt: window.Add(-time.Minute)},
		{ID: 2, SignalID: 12, UserID: "u1", Symbol: "AAPL", Side: models.DirectionBuy,
			Quantity: decimal.NewFromInt(15), Priority: models.PriorityNormal,
			Status: models.QueueStatusExecuting, QueuedAt: window.Add(-2 * time.Minute)},
	}
}

func TestSweepSettlesFilledOrder(t *testing.T) {
	stub := newMonitorStub()
	window := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	stub.orders = []models.BrokerOrder{sweptOrder(models.OrderStatusSubmitted)}
	stub.entries["batch-1"] = batchEntries(window)
	stub.signals[11] = &models.Signal{ID: 11, AlgorithmID: 7}
	stub.signals[12] = &models.Signal{ID: 12, AlgorithmID: 7}

	fills := &fillRecorder{}
	m := &Monitor{
		Repo:   stub,
		Config: config.MonitorConfig{PollTimeout: time.Second},
		Brokers: map[string]Client{"sim": &fixedBroker{status: OrderStatus{
			Status:         "filled",
			FilledQuantity: decimal.NewFromInt(25),
			AvgFillPrice:   decimal.NewFromInt(180),
		}}},
		Positions: fills,
	}
	if err := m.Sweep(context.Background(), window.Add(time.Minute)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(fills.fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills.fills))
	}
	// High priority entry leads, so it takes the first slice.
	if !fills.fills[0].Quantity.Equal(decimal.NewFromInt(10)) || !fills.fills[1].Quantity.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("fill split = %s, %s", fills.fills[0].Quantity, fills.fills[1].Quantity)
	}
	if fills.fills[0].PortfolioID != "u1:paper" {
		t.Fatalf("portfolio = %s", fills.fills[0].PortfolioID)
	}
	if src, ok := fills.fills[0].Source.(models.AlgorithmSource); !ok || src.AlgorithmID != 7 {
		t.Fatalf("provenance = %#v", fills.fills[0].Source)
	}
	for _, id := range []uint64{1, 2} {
		if stub.entryStatuses[id] != models.QueueStatusExecuted {
			t.Fatalf("entry %d = %s, want executed", id, stub.entryStatuses[id])
		}
	}
	for _, id := range []uint64{11, 12} {
		if stub.signalStatuses[id] != models.SignalFilled {
			t.Fatalf("signal %d = %s, want filled", id, stub.signalStatuses[id])
		}
	}
	if stub.orderUpdates[1]["status"] != models.OrderStatusFilled {
		t.Fatalf("order status update = %v", stub.orderUpdates[1]["status"])
	}
}

func TestSweepNeverDecreasesFill(t *testing.T) {
	stub := newMonitorStub()
	order := sweptOrder(models.OrderStatusPartial)
	order.FilledQuantity = decimal.NewFromInt(20)
	stub.orders = []models.BrokerOrder{order}

	m := &Monitor{
		Repo: stub,
		Brokers: map[string]Client{"sim": &fixedBroker{status: OrderStatus{
			Status:         "partial",
			FilledQuantity: decimal.NewFromInt(5),
		}}},
	}
	if err := m.Sweep(context.Background(), order.ExpectedExecutionDate.Add(-time.Hour)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := stub.orderUpdates[1]["filled_quantity"].(decimal.Decimal)
	if !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("filled_quantity = %s, stale broker data must not shrink it", got)
	}
}

func TestSweepFlagsOverdueOrder(t *testing.T) {
	stub := newMonitorStub()
	order := sweptOrder(models.OrderStatusSubmitted)
	stub.orders = []models.BrokerOrder{order}

	m := &Monitor{
		Repo: stub,
		Brokers: map[string]Client{"sim": &fixedBroker{status: OrderStatus{
			Status: "submitted",
		}}},
	}
	if err := m.Sweep(context.Background(), order.ExpectedExecutionDate.Add(time.Hour)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stub.orderUpdates[1]["status"] != models.OrderStatusNeedsReview {
		t.Fatalf("status = %v, want needs_review", stub.orderUpdates[1]["status"])
	}
}

func TestSweepRejectedOrderFailsEntries(t *testing.T) {
	stub := newMonitorStub()
	window := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	stub.orders = []models.BrokerOrder{sweptOrder(models.OrderStatusSubmitted)}
	stub.entries["batch-1"] = batchEntries(window)

	m := &Monitor{
		Repo: stub,
		Brokers: map[string]Client{"sim": &fixedBroker{status: OrderStatus{
			Status: models.OrderStatusRejected,
		}}},
	}
	if err := m.Sweep(context.Background(), window); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	for _, id := range []uint64{1, 2} {
		if stub.entryStatuses[id] != models.QueueStatusFailed {
			t.Fatalf("entry %d = %s, want failed", id, stub.entryStatuses[id])
		}
	}
	for _, id := range []uint64{11, 12} {
		if stub.signalStatuses[id] != models.SignalRejected {
			t.Fatalf("signal %d = %s, want rejected", id, stub.signalStatuses[id])
		}
	}
}
