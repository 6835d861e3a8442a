package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/config"
	"algotrader/internal/models"
	"algotrader/internal/repository"
)

var (
	// ErrConflict is returned when an entry can no longer be cancelled.
	ErrConflict = errors.New("queue entry already batched")
	// ErrSignalExpired is returned when an expired signal is offered to the queue.
	ErrSignalExpired = errors.New("signal expired")
	// ErrNotFound is returned for unknown queue entry ids.
	ErrNotFound = errors.New("queue entry not found")
)

// Aggregator converts executable signals into queue entries and releases
// them in per-window batches.
type Aggregator struct {
	Repo   repository.Repository
	Logger *zap.Logger
	Config config.QueueConfig
}

// ReleasedBatch is one aggregated broker order ready for routing. Entries
// are ordered by priority, ties broken by queue time.
type ReleasedBatch struct {
	BatchID    string
	UserID     string
	Symbol     string
	Side       string
	BrokerType string
	Quantity   decimal.Decimal
	WindowAt   time.Time
	Entries    []models.QueueEntry
}

// Enqueue admits one signal into the queue. Expired signals are marked as
// such and never produce an entry.
func (a *Aggregator) Enqueue(ctx context.Context, sig models.Signal, userID, brokerType, priority string, now time.Time) (*models.QueueEntry, error) {
	if a == nil || a.Repo == nil {
		return nil, errors.New("queue aggregator not configured")
	}
	if sig.Expired(now) {
		if err := a.Repo.UpdateSignalStatus(ctx, sig.ID, models.SignalExpired); err != nil {
			return nil, fmt.Errorf("expire signal %d: %w", sig.ID, err)
		}
		return nil, fmt.Errorf("signal %d: %w", sig.ID, ErrSignalExpired)
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	entry := &models.QueueEntry{
		SignalID:             sig.ID,
		ExecutionID:          sig.ExecutionID,
		UserID:               userID,
		Symbol:               sig.Symbol,
		Side:                 sig.Direction,
		Quantity:             sig.Quantity,
		BrokerType:           brokerType,
		Priority:             priority,
		ScheduledExecutionAt: NextBatchBoundary(now, a.Config.BatchGranularityMinutes),
		Status:               models.QueueStatusQueued,
		QueuedAt:             now.UTC(),
	}
	if err := a.Repo.InsertQueueEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}
	return entry, nil
}

type batchKey struct {
	windowAt   time.Time
	userID     string
	brokerType string
	symbol     string
	side       string
}

// ReleaseDueBatches collects queued entries whose window has arrived,
// aggregates each group into a single order and transitions the entries
// to executing. An entry never lands in two batches: the batch assignment
// only touches rows still queued.
func (a *Aggregator) ReleaseDueBatches(ctx context.Context, now time.Time) ([]ReleasedBatch, error) {
	if a == nil || a.Repo == nil {
		return nil, nil
	}
	due, err := a.Repo.ListDueQueueEntries(ctx, now.UTC(), 2000)
	if err != nil {
		return nil, fmt.Errorf("list due entries: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	groups := map[batchKey][]models.QueueEntry{}
	keys := make([]batchKey, 0)
	for _, e := range due {
		k := batchKey{
			windowAt:   e.ScheduledExecutionAt.UTC(),
			userID:     e.UserID,
			brokerType: e.BrokerType,
			symbol:     e.Symbol,
			side:       e.Side,
		}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], e)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if !a.windowAt.Equal(b.windowAt) {
			return a.windowAt.Before(b.windowAt)
		}
		if a.userID != b.userID {
			return a.userID < b.userID
		}
		if a.brokerType != b.brokerType {
			return a.brokerType < b.brokerType
		}
		if a.symbol != b.symbol {
			return a.symbol < b.symbol
		}
		return a.side < b.side
	})

	out := make([]ReleasedBatch, 0, len(keys))
	for _, k := range keys {
		entries := groups[k]
		sort.SliceStable(entries, func(i, j int) bool {
			ri, rj := models.PriorityRank(entries[i].Priority), models.PriorityRank(entries[j].Priority)
			if ri != rj {
				return ri < rj
			}
			return entries[i].QueuedAt.Before(entries[j].QueuedAt)
		})

		batchID := uuid.NewString()
		ids := make([]uint64, 0, len(entries))
		total := decimal.Zero
		for _, e := range entries {
			ids = append(ids, e.ID)
			total = total.Add(e.Quantity)
		}
		if err := a.Repo.AssignQueueBatch(ctx, ids, batchID, models.QueueStatusBatched); err != nil {
			return out, fmt.Errorf("assign batch %s: %w", batchID, err)
		}
		if _, err := a.Repo.BulkUpdateQueueStatus(ctx, ids, models.QueueStatusExecuting, ""); err != nil {
			return out, fmt.Errorf("mark batch %s executing: %w", batchID, err)
		}
		for i := range entries {
			entries[i].BatchID = &batchID
			entries[i].Status = models.QueueStatusExecuting
		}
		if a.Logger != nil {
			a.Logger.Info("queue: batch released",
				zap.String("batch_id", batchID),
				zap.String("symbol", k.symbol),
				zap.String("side", k.side),
				zap.String("quantity", total.String()),
				zap.Int("entries", len(entries)),
			)
		}
		out = append(out, ReleasedBatch{
			BatchID:    batchID,
			UserID:     k.userID,
			Symbol:     k.symbol,
			Side:       k.side,
			BrokerType: k.brokerType,
			Quantity:   total,
			WindowAt:   k.windowAt,
			Entries:    entries,
		})
	}
	return out, nil
}

// Cancel withdraws a queued entry. Once its batch is released the entry
// belongs to a broker order and cancellation is a conflict.
func (a *Aggregator) Cancel(ctx context.Context, entryID uint64) error {
	if a == nil || a.Repo == nil {
		return errors.New("queue aggregator not configured")
	}
	entry, err := a.Repo.GetQueueEntryByID(ctx, entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrNotFound
	}
	if entry.Status != models.QueueStatusQueued {
		return fmt.Errorf("entry %d is %s: %w", entryID, entry.Status, ErrConflict)
	}
	if err := a.Repo.UpdateQueueEntryStatus(ctx, entryID, models.QueueStatusCancelled, nil); err != nil {
		return err
	}
	if err := a.Repo.UpdateSignalStatus(ctx, entry.SignalID, models.SignalCancelled); err != nil {
		return err
	}
	return nil
}

// DistributeFill splits a batch-level filled quantity across entries in
// their batch ordering. Shares are proportional with any truncation
// remainder going to the first entry, so the parts always sum to the fill.
func DistributeFill(filled decimal.Decimal, quantities []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(quantities))
	if len(quantities) == 0 || !filled.IsPositive() {
		return out
	}
	total := decimal.Zero
	for _, q := range quantities {
		total = total.Add(q)
	}
	if !total.IsPositive() {
		return out
	}
	assigned := decimal.Zero
	for i, q := range quantities {
		share := filled.Mul(q).Div(total).Truncate(0)
		if share.GreaterThan(q) {
			share = q
		}
		out[i] = share
		assigned = assigned.Add(share)
	}
	remainder := filled.Sub(assigned)
	for i := 0; i < len(out) && remainder.IsPositive(); i++ {
		room := quantities[i].Sub(out[i])
		if !room.IsPositive() {
			continue
		}
		add := decimal.Min(room, remainder)
		out[i] = out[i].Add(add)
		remainder = remainder.Sub(add)
	}
	return out
}
