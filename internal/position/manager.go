package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/models"
	"algotrader/internal/repository"
)

var (
	// ErrNotFound is returned for unknown position ids.
	ErrNotFound = errors.New("position not found")
	// ErrOversell is returned when a sell exceeds the held quantity.
	ErrOversell = errors.New("sell exceeds position quantity")
	// ErrClosed is returned for operations on a sold position.
	ErrClosed = errors.New("position already closed")
)

// Fill is one executed trade slice to apply to a portfolio.
type Fill struct {
	UserID      string
	PortfolioID string
	Symbol      string
	Side        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Source      models.PositionSource
	FilledAt    time.Time
}

// Manager owns position lifecycle transitions. Concurrent fills on the
// same (portfolio, symbol) are serialized by a per-key lock.
type Manager struct {
	Repo   repository.Repository
	Logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (m *Manager) keyLock(portfolioID, symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = map[string]*sync.Mutex{}
	}
	key := portfolioID + "\x00" + symbol
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// ApplyFill updates or creates the position for a fill. Buys recompute the
// average cost as a weighted average; sells reduce quantity and realize
// P&L against the average cost, archiving the row when it reaches zero.
func (m *Manager) ApplyFill(ctx context.Context, f Fill) (*models.Position, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("position manager not configured")
	}
	if !f.Quantity.IsPositive() {
		return nil, fmt.Errorf("fill quantity must be positive, got %s", f.Quantity)
	}
	lock := m.keyLock(f.PortfolioID, f.Symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, err := m.Repo.GetPositionByKey(ctx, f.PortfolioID, f.Symbol)
	if err != nil {
		return nil, err
	}

	switch f.Side {
	case models.DirectionBuy:
		return m.applyBuy(ctx, pos, f)
	case models.DirectionSell:
		return m.applySell(ctx, pos, f, "Position sold")
	}
	return nil, fmt.Errorf("unknown fill side %q", f.Side)
}

func (m *Manager) applyBuy(ctx context.Context, pos *models.Position, f Fill) (*models.Position, error) {
	filledAt := f.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now().UTC()
	}
	if pos == nil || pos.Status == models.PositionSold {
		sourceType, sourceID := models.SourceColumns(f.Source)
		pos = &models.Position{
			UserID:          f.UserID,
			PortfolioID:     f.PortfolioID,
			Symbol:          f.Symbol,
			Quantity:        f.Quantity,
			InitialQuantity: f.Quantity,
			AvgCost:         f.Price,
			CurrentPrice:    f.Price,
			SourceType:      sourceType,
			SourceID:        sourceID,
			Status:          models.PositionActive,
			OpenedAt:        filledAt,
		}
		if err := m.Repo.UpsertPosition(ctx, pos); err != nil {
			return nil, err
		}
		return pos, nil
	}

	oldValue := pos.AvgCost.Mul(pos.Quantity)
	addValue := f.Price.Mul(f.Quantity)
	newQty := pos.Quantity.Add(f.Quantity)
	pos.AvgCost = oldValue.Add(addValue).Div(newQty)
	pos.Quantity = newQty
	pos.InitialQuantity = pos.InitialQuantity.Add(f.Quantity)
	pos.CurrentPrice = f.Price
	pos.Status = models.PositionActive
	if err := m.Repo.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (m *Manager) applySell(ctx context.Context, pos *models.Position, f Fill, closureReason string) (*models.Position, error) {
	if pos == nil {
		return nil, fmt.Errorf("sell %s in portfolio %s: %w", f.Symbol, f.PortfolioID, ErrNotFound)
	}
	if pos.Status == models.PositionSold {
		return nil, fmt.Errorf("sell %s: %w", f.Symbol, ErrClosed)
	}
	if f.Quantity.GreaterThan(pos.Quantity) {
		return nil, fmt.Errorf("sell %s of %s held: %w", f.Quantity, pos.Quantity, ErrOversell)
	}
	filledAt := f.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now().UTC()
	}

	realized := f.Price.Sub(pos.AvgCost).Mul(f.Quantity)
	pos.Quantity = pos.Quantity.Sub(f.Quantity)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.CurrentPrice = f.Price

	if pos.Quantity.IsZero() {
		pos.Status = models.PositionSold
		if err := m.Repo.UpsertPosition(ctx, pos); err != nil {
			return nil, err
		}
		if err := m.archive(ctx, pos, filledAt, closureReason); err != nil {
			return nil, err
		}
		return pos, nil
	}

	pos.Status = models.PositionPartial
	if err := m.Repo.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (m *Manager) archive(ctx context.Context, pos *models.Position, closedAt time.Time, reason string) error {
	investment := pos.AvgCost.Mul(pos.InitialQuantity)
	exitValue := investment.Add(pos.RealizedPnL)
	roi := decimal.Zero
	if investment.IsPositive() {
		roi = pos.RealizedPnL.Div(investment).Mul(decimal.NewFromInt(100))
	}
	holdingDays := int(closedAt.Sub(pos.OpenedAt).Hours() / 24)
	if holdingDays < 0 {
		holdingDays = 0
	}
	hist := &models.PositionHistory{
		PositionID:        pos.ID,
		UserID:            pos.UserID,
		PortfolioID:       pos.PortfolioID,
		Symbol:            pos.Symbol,
		Quantity:          pos.InitialQuantity,
		AvgCost:           pos.AvgCost,
		InvestmentAmount:  investment,
		ExitValue:         exitValue,
		RealizedPnL:       pos.RealizedPnL,
		ROI:               roi,
		HoldingPeriodDays: holdingDays,
		ClosureReason:     reason,
		SourceType:        pos.SourceType,
		SourceID:          pos.SourceID,
		OpenedAt:          pos.OpenedAt,
		ClosedAt:          closedAt,
	}
	if err := m.Repo.InsertPositionHistory(ctx, hist); err != nil {
		return err
	}
	if m.Logger != nil {
		m.Logger.Info("position: closed",
			zap.String("portfolio_id", pos.PortfolioID),
			zap.String("symbol", pos.Symbol),
			zap.String("realized_pnl", pos.RealizedPnL.StringFixed(2)),
			zap.String("reason", reason),
		)
	}
	return nil
}

// Close sells the requested quantity of a position at the given price. A
// nil or zero quantity closes the whole position. Partial closes keep the
// remainder live and record the realized slice on the row.
func (m *Manager) Close(ctx context.Context, positionID uint64, quantity *decimal.Decimal, price decimal.Decimal, reason string) (*models.Position, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("position manager not configured")
	}
	if reason == "" {
		reason = "Closed by user"
	}
	pos, err := m.Repo.GetPositionByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, ErrNotFound
	}
	lock := m.keyLock(pos.PortfolioID, pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock, a concurrent fill may have moved it.
	pos, err = m.Repo.GetPositionByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, ErrNotFound
	}
	if pos.Status == models.PositionSold {
		return nil, ErrClosed
	}
	qty := pos.Quantity
	if quantity != nil && quantity.IsPositive() {
		qty = *quantity
	}
	if !price.IsPositive() {
		price = pos.CurrentPrice
	}
	return m.applySell(ctx, pos, Fill{
		UserID:      pos.UserID,
		PortfolioID: pos.PortfolioID,
		Symbol:      pos.Symbol,
		Side:        models.DirectionSell,
		Quantity:    qty,
		Price:       price,
	}, reason)
}

// RefreshPrices marks open positions to market and recomputes unrealized
// P&L from the supplied last prices.
func (m *Manager) RefreshPrices(ctx context.Context, prices map[string]decimal.Decimal) error {
	if m == nil || m.Repo == nil || len(prices) == 0 {
		return nil
	}
	active := models.PositionActive
	open, err := m.Repo.ListPositions(ctx, repository.ListPositionsParams{Limit: 500, Status: &active})
	if err != nil {
		return err
	}
	partial := models.PositionPartial
	part, err := m.Repo.ListPositions(ctx, repository.ListPositionsParams{Limit: 500, Status: &partial})
	if err != nil {
		return err
	}
	for _, pos := range append(open, part...) {
		price, ok := prices[pos.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		lock := m.keyLock(pos.PortfolioID, pos.Symbol)
		lock.Lock()
		pos.CurrentPrice = price
		pos.UnrealizedPnL = price.Sub(pos.AvgCost).Mul(pos.Quantity)
		err := m.Repo.UpsertPosition(ctx, &pos)
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
