package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/config"
	"algotrader/internal/models"
	"algotrader/internal/repository"
)

func TestNextBatchBoundary(t *testing.T) {
	day := func(h, m, s int) time.Time {
		return time.Date(2026, 3, 2, h, m, s, 0, time.UTC)
	}
	cases := []struct {
		now         time.Time
		granularity int
		want        time.Time
	}{
		{day(10, 2, 0), 5, day(10, 5, 0)},
		{day(10, 4, 59), 5, day(10, 5, 0)},
		{day(10, 5, 0), 5, day(10, 5, 0)},
		{day(10, 5, 1), 5, day(10, 10, 0)},
		{day(10, 57, 0), 5, day(11, 0, 0)},
		{day(10, 59, 59), 5, day(11, 0, 0)},
		{day(10, 16, 0), 15, day(10, 30, 0)},
		{day(10, 2, 0), 0, day(10, 5, 0)},
	}
	for _, c := range cases {
		got := NextBatchBoundary(c.now, c.granularity)
		if !got.Equal(c.want) {
			t.Errorf("NextBatchBoundary(%v, %d) = %v, want %v", c.now, c.granularity, got, c.want)
		}
	}
}

// queueStub records the writes the aggregator performs.
type queueStub struct {
	repository.Repository

	entries        map[uint64]*models.QueueEntry
	nextID         uint64
	signalStatuses map[uint64]string
	due            []models.QueueEntry
	batched        map[string][]uint64
}

func newQueueStub() *queueStub {
	return &queueStub{
		entries:        map[uint64]*models.QueueEntry{},
		nextID:         1,
		signalStatuses: map[uint64]string{},
		batched:        map[string][]uint64{},
	}
}

func (s *queueStub) InsertQueueEntry(ctx context.Context, item *models.QueueEntry) error {
	item.ID = s.nextID
	s.nextID++
	cp := *item
	s.entries[item.ID] = &cp
	return nil
}

func (s *queueStub) GetQueueEntryByID(ctx context.Context, id uint64) (*models.QueueEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *queueStub) UpdateQueueEntryStatus(ctx context.Context, id uint64, status string, updates map[string]any) error {
	if e, ok := s.entries[id]; ok {
		e.Status = status
	}
	return nil
}

func (s *queueStub) UpdateSignalStatus(ctx context.Context, id uint64, status string) error {
	s.signalStatuses[id] = status
	return nil
}

func (s *queueStub) ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	return s.due, nil
}

func (s *queueStub) AssignQueueBatch(ctx context.Context, ids []uint64, batchID, status string) error {
	s.batched[batchID] = ids
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.BatchID = &batchID
			e.Status = status
		}
	}
	return nil
}

func (s *queueStub) BulkUpdateQueueStatus(ctx context.Context, ids []uint64, status, failureReason string) (int64, error) {
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.Status = status
		}
	}
	return int64(len(ids)), nil
}

func newAggregator(s *queueStub) *Aggregator {
	return &Aggregator{
		Repo:   s,
		Config: config.QueueConfig{BatchGranularityMinutes: 5},
	}
}

func TestEnqueueSchedulesNextWindow(t *testing.T) {
	s := newQueueStub()
	a := newAggregator(s)
	now := time.Date(2026, 3, 2, 10, 2, 30, 0, time.UTC)
	entry, err := a.Enqueue(context.Background(), models.Signal{
		ID:          11,
		ExecutionID: 5,
		Symbol:      "AAPL",
		Direction:   models.DirectionBuy,
		Quantity:    decimal.NewFromInt(10),
	}, "u1", "paper", models.PriorityHigh, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	if !entry.ScheduledExecutionAt.Equal(want) {
		t.Fatalf("scheduled at %v, want %v", entry.ScheduledExecutionAt, want)
	}
	if entry.Status != models.QueueStatusQueued {
		t.Fatalf("status = %s", entry.Status)
	}
}

func TestEnqueueExpiredSignalRejected(t *testing.T) {
	s := newQueueStub()
	a := newAggregator(s)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	_, err := a.Enqueue(context.Background(), models.Signal{
		ID:        12,
		Symbol:    "AAPL",
		Direction: models.DirectionBuy,
		Quantity:  decimal.NewFromInt(10),
		ExpiresAt: &past,
	}, "u1", "paper", "", now)
	if !errors.Is(err, ErrSignalExpired) {
		t.Fatalf("err = %v, want ErrSignalExpired", err)
	}
	if s.signalStatuses[12] != models.SignalExpired {
		t.Fatalf("signal status = %q, want expired", s.signalStatuses[12])
	}
	if len(s.entries) != 0 {
		t.Fatal("expired signal must not create a queue entry")
	}
}

func TestReleaseDueBatchesAggregates(t *testing.T) {
	s := newQueueStub()
	a := newAggregator(s)
	window := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)

	normal := models.QueueEntry{
		ID: 1, SignalID: 1, UserID: "u1", Symbol: "AAPL", Side: models.DirectionBuy,
		Quantity: decimal.NewFromInt(15), BrokerType: "paper", Priority: models.PriorityNormal,
		ScheduledExecutionAt: window, Status: models.QueueStatusQueued,
		QueuedAt: window.Add(-4 * time.Minute),
	}
	high := models.QueueEntry{
		ID: 2, SignalID: 2, UserID: "u1", Symbol: "AAPL", Side: models.DirectionBuy,
		Quantity: decimal.NewFromInt(10), BrokerType: "paper", Priority: models.PriorityHigh,
		ScheduledExecutionAt: window, Status: models.QueueStatusQueued,
		QueuedAt: window.Add(-2 * time.Minute),
	}
	s.due = []models.QueueEntry{normal, high}
	for _, e := range s.due {
		cp := e
		s.entries[e.ID] = &cp
	}

	batches, err := a.ReleaseDueBatches(context.Background(), window)
	if err != nil {
		t.Fatalf("ReleaseDueBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if !b.Quantity.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("batch quantity = %s, want 25", b.Quantity)
	}
	if len(b.Entries) != 2 || b.Entries[0].ID != 2 {
		t.Fatalf("high priority entry must lead the batch, got order %v, %v", b.Entries[0].ID, b.Entries[1].ID)
	}
	for _, e := range b.Entries {
		if e.Status != models.QueueStatusExecuting {
			t.Fatalf("entry %d status = %s, want executing", e.ID, e.Status)
		}
		if e.BatchID == nil || *e.BatchID != b.BatchID {
			t.Fatalf("entry %d missing shared batch id", e.ID)
		}
	}
}

func TestReleaseSplitsByUserAndSide(t *testing.T) {
	s := newQueueStub()
	a := newAggregator(s)
	window := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	mk := func(id uint64, user, side string) models.QueueEntry {
		return models.QueueEntry{
			ID: id, SignalID: id, UserID: user, Symbol: "AAPL", Side: side,
			Quantity: decimal.NewFromInt(1), BrokerType: "paper", Priority: models.PriorityNormal,
			ScheduledExecutionAt: window, Status: models.QueueStatusQueued, QueuedAt: window,
		}
	}
	s.due = []models.QueueEntry{
		mk(1, "u1", models.DirectionBuy),
		mk(2, "u1", models.DirectionSell),
		mk(3, "u2", models.DirectionBuy),
	}
	batches, err := a.ReleaseDueBatches(context.Background(), window)
	if err != nil {
		t.Fatalf("ReleaseDueBatches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
}

func TestCancelRejectsBatchedEntry(t *testing.T) {
	s := newQueueStub()
	a := newAggregator(s)
	s.entries[1] = &models.QueueEntry{ID: 1, SignalID: 9, Status: models.QueueStatusQueued}
	s.entries[2] = &models.QueueEntry{ID: 2, SignalID: 10, Status: models.QueueStatusBatched}

	if err := a.Cancel(context.Background(), 1); err != nil {
		t.Fatalf("cancel queued entry: %v", err)
	}
	if s.entries[1].Status != models.QueueStatusCancelled {
		t.Fatalf("entry 1 status = %s", s.entries[1].Status)
	}
	if s.signalStatuses[9] != models.SignalCancelled {
		t.Fatalf("signal 9 status = %q", s.signalStatuses[9])
	}

	err := a.Cancel(context.Background(), 2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel batched entry: err = %v, want ErrConflict", err)
	}

	if err := a.Cancel(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown entry: err = %v, want ErrNotFound", err)
	}
}

func TestDistributeFill(t *testing.T) {
	d := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
	cases := []struct {
		filled     decimal.Decimal
		quantities []decimal.Decimal
		want       []decimal.Decimal
	}{
		{d(25), []decimal.Decimal{d(10), d(15)}, []decimal.Decimal{d(10), d(15)}},
		{d(20), []decimal.Decimal{d(10), d(15)}, []decimal.Decimal{d(8), d(12)}},
		{d(24), []decimal.Decimal{d(10), d(15)}, []decimal.Decimal{d(10), d(14)}},
		{d(0), []decimal.Decimal{d(10), d(15)}, []decimal.Decimal{d(0), d(0)}},
		{d(7), []decimal.Decimal{d(7)}, []decimal.Decimal{d(7)}},
	}
	for i, c := range cases {
		got := DistributeFill(c.filled, c.quantities)
		sum := decimal.Zero
		for j := range got {
			sum = sum.Add(got[j])
			if !got[j].Equal(c.want[j]) {
				t.Errorf("case %d: part %d = %s, want %s", i, j, got[j], c.want[j])
			}
		}
		if c.filled.IsPositive() && !sum.Equal(c.filled) {
			t.Errorf("case %d: parts sum to %s, want %s", i, sum, c.filled)
		}
	}
}
