package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/config"
	"algotrader/internal/identity"
	"algotrader/internal/models"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
)

type routerStub struct {
	repository.Repository

	orders         map[uint64]*models.BrokerOrder
	nextID         uint64
	entryUpdates   map[uint64]map[string]any
	failedEntries  []uint64
	rejectedSigs   []uint64
	entryStatuses  map[uint64]string
	signalStatuses map[uint64]string
}

func newRouterStub() *routerStub {
	return &routerStub{
		orders:         map[uint64]*models.BrokerOrder{},
		nextID:         1,
		entryUpdates:   map[uint64]map[string]any{},
		entryStatuses:  map[uint64]string{},
		signalStatuses: map[uint64]string{},
	}
}

func (s *routerStub) InsertBrokerOrder(ctx context.Context, item *models.BrokerOrder) error {
	item.ID = s.nextID
	s.nextID++
	cp := *item
	s.orders[item.ID] = &cp
	return nil
}

func (s *routerStub) UpdateBrokerOrder(ctx context.Context, id uint64, updates map[string]any) error {
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	if v, ok := updates["status"]; ok {
		o.Status = v.(string)
	}
	if v, ok := updates["broker_order_id"]; ok {
		o.BrokerOrderID = v.(string)
	}
	if v, ok := updates["failure_reason"]; ok {
		o.FailureReason = v.(string)
	}
	return nil
}

func (s *routerStub) UpdateQueueEntryStatus(ctx context.Context, id uint64, status string, updates map[string]any) error {
	s.entryStatuses[id] = status
	s.entryUpdates[id] = updates
	return nil
}

func (s *routerStub) BulkUpdateQueueStatus(ctx context.Context, ids []uint64, status, failureReason string) (int64, error) {
	if status == models.QueueStatusFailed {
		s.failedEntries = append(s.failedEntries, ids...)
	}
	for _, id := range ids {
		s.entryStatuses[id] = status
	}
	return int64(len(ids)), nil
}

func (s *routerStub) BulkUpdateSignalStatus(ctx context.Context, ids []uint64, status string) (int64, error) {
	if status == models.SignalRejected {
		s.rejectedSigs = append(s.rejectedSigs, ids...)
	}
	for _, id := range ids {
		s.signalStatuses[id] = status
	}
	return int64(len(ids)), nil
}

// flakyBroker fails a fixed number of submissions before succeeding.
type flakyBroker struct {
	failures int
	calls    int
}

func (b *flakyBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	b.calls++
	if b.calls <= b.failures {
		return "", errors.New("connection reset")
	}
	return "bo-1", nil
}

func (b *flakyBroker) GetOrderStatus(ctx context.Context, id string) (OrderStatus, error) {
	return OrderStatus{}, errors.New("not implemented")
}

func testRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{Region: "IN", Mode: "paper", Broker: "sim", BaseURL: "http://sim.local", Live: false},
		{Region: "IN", Mode: "live", Broker: "zerodha", BaseURL: "https://api.zerodha.local", Live: true},
	}
}

func testBatch() queue.ReleasedBatch {
	return queue.ReleasedBatch{
		BatchID:    "batch-1",
		UserID:     "u1",
		Symbol:     "AAPL",
		Side:       models.DirectionBuy,
		BrokerType: "sim",
		Quantity:   decimal.NewFromInt(25),
		WindowAt:   time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC),
		Entries: []models.QueueEntry{
			{ID: 1, SignalID: 11, Quantity: decimal.NewFromInt(10)},
			{ID: 2, SignalID: 12, Quantity: decimal.NewFromInt(15)},
		},
	}
}

func newTestRouter(t *testing.T, repo repository.Repository, broker Client) *Router {
	t.Helper()
	r, err := NewRouter(config.ExecutionConfig{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		SubmitRate:   1000,
		SubmitBurst:  100,
	}, testRoutes(), repo, map[string]Client{"sim": broker}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func TestResolveEnforcesModeIsolation(t *testing.T) {
	r := newTestRouter(t, newRouterStub(), &flakyBroker{})

	route, err := r.Resolve(identity.Principal{UserID: "u1", Region: "IN", TradingMode: "paper"})
	if err != nil {
		t.Fatalf("Resolve paper: %v", err)
	}
	if route.Live {
		t.Fatal("paper principal resolved a live route")
	}
	route, err = r.Resolve(identity.Principal{UserID: "u1", Region: "IN", TradingMode: "live"})
	if err != nil {
		t.Fatalf("Resolve live: %v", err)
	}
	if !route.Live || route.Broker != "zerodha" {
		t.Fatalf("live principal got %+v", route)
	}
	if _, err := r.Resolve(identity.Principal{UserID: "u1", Region: "US", TradingMode: "paper"}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("unknown region: err = %v, want ErrNoRoute", err)
	}
}

func TestNewRouterRejectsContradictoryRoute(t *testing.T) {
	_, err := NewRouter(config.ExecutionConfig{}, []config.RouteConfig{
		{Region: "IN", Mode: "paper", Broker: "x", Live: true},
	}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for paper route flagged live")
	}
}

func TestRouteBatchRetriesThenSucceeds(t *testing.T) {
	stub := newRouterStub()
	broker := &flakyBroker{failures: 2}
	r := newTestRouter(t, stub, broker)

	order, err := r.RouteBatch(context.Background(), testBatch(), identity.Principal{
		UserID: "u1", Region: "IN", TradingMode: "paper",
	})
	if err != nil {
		t.Fatalf("RouteBatch: %v", err)
	}
	if broker.calls != 3 {
		t.Fatalf("submit calls = %d, want 3", broker.calls)
	}
	if order.BrokerOrderID != "bo-1" || order.Status != models.OrderStatusSubmitted {
		t.Fatalf("order = %+v", order)
	}
	for _, id := range []uint64{1, 2} {
		u := stub.entryUpdates[id]
		if u == nil || u["broker_order_id"] != "bo-1" {
			t.Fatalf("entry %d not tagged with broker order id: %v", id, u)
		}
	}
}

func TestRouteBatchExhaustedRetriesFailBatch(t *testing.T) {
	stub := newRouterStub()
	broker := &flakyBroker{failures: 10}
	r := newTestRouter(t, stub, broker)

	_, err := r.RouteBatch(context.Background(), testBatch(), identity.Principal{
		UserID: "u1", Region: "IN", TradingMode: "paper",
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if broker.calls != 3 {
		t.Fatalf("submit calls = %d, want 3", broker.calls)
	}
	if len(stub.failedEntries) != 2 {
		t.Fatalf("failed entries = %v, want both", stub.failedEntries)
	}
	if len(stub.rejectedSigs) != 2 {
		t.Fatalf("rejected signals = %v, want both", stub.rejectedSigs)
	}
	var rejected *models.BrokerOrder
	for _, o := range stub.orders {
		rejected = o
	}
	if rejected == nil || rejected.Status != models.OrderStatusRejected {
		t.Fatalf("broker order = %+v, want rejected", rejected)
	}
}
