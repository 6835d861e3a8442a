package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/config"
	"algotrader/internal/identity"
	"algotrader/internal/marketdata"
	"algotrader/internal/models"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
	"algotrader/internal/risk"
	"algotrader/internal/strategy"
)

var (
	// ErrAlreadyRunning is returned when a run is requested for an
	// algorithm whose previous evaluation has not finished.
	ErrAlreadyRunning = errors.New("algorithm is already executing")
	// ErrNotFound is returned for unknown algorithm ids.
	ErrNotFound = errors.New("algorithm not found")
	// ErrNotRunning is returned when cancelling an idle algorithm.
	ErrNotRunning = errors.New("algorithm is not executing")
)

const signalTTL = 15 * time.Minute

const defaultPortfolioValue = 100000

// algoState is the in-memory run state for one algorithm. It, not the
// currently_executing column, is what prevents overlapping evaluations;
// the column is persisted as an audit trail.
type algoState struct {
	running     bool
	lastRunAt   time.Time
	firedSingle map[string]string
	cancel      context.CancelFunc
}

// Scheduler drives every runnable algorithm's timeline from one tick loop,
// dispatching eligible evaluations to a bounded worker pool.
type Scheduler struct {
	Repo     repository.Repository
	Logger   *zap.Logger
	Config   config.SchedulerConfig
	Market   marketdata.Provider
	Queue    *queue.Aggregator
	Risk     *risk.Manager
	Sessions *marketdata.SessionCalendar
	Identity identity.Provider

	// ResolveBroker maps a principal to the broker type recorded on
	// queue entries. Wired from the execution router's routing table.
	ResolveBroker func(p identity.Principal) string

	mu     sync.Mutex
	states map[uint64]*algoState
	sem    chan struct{}
}

func (s *Scheduler) state(id uint64) *algoState {
	if s.states == nil {
		s.states = map[uint64]*algoState{}
	}
	st, ok := s.states[id]
	if !ok {
		st = &algoState{firedSingle: map[string]string{}}
		s.states[id] = st
	}
	return st
}

func (s *Scheduler) slots() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sem == nil {
		n := s.Config.MaxConcurrent
		if n <= 0 {
			n = 4
		}
		s.sem = make(chan struct{}, n)
	}
	return s.sem
}

// Tick runs one scheduling pass. Each eligible algorithm is dispatched
// asynchronously; a full worker pool defers the run to a later tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now = now.UTC()
	algos, err := s.Repo.ListRunnableAlgorithms(ctx)
	if err != nil {
		return fmt.Errorf("list runnable algorithms: %w", err)
	}
	for _, algo := range algos {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.considerAlgorithm(ctx, algo, now)
	}
	return nil
}

func (s *Scheduler) considerAlgorithm(ctx context.Context, algo models.Algorithm, now time.Time) {
	if algo.RunStartDate != nil && now.Before(algo.RunStartDate.UTC()) {
		return
	}
	if end := durationEnd(algo); end != nil && !now.Before(*end) {
		s.autoStop(ctx, algo.ID, now, "Duration limit reached")
		return
	}

	principal := s.principal(algo.UserID)
	sessionOpen := true
	if algo.SchedulingType == models.ScheduleContinuous && s.Sessions != nil {
		sessionOpen = s.Sessions.IsOpen(principal.Region, now)
	}

	s.mu.Lock()
	st := s.state(algo.ID)
	if st.running {
		s.mu.Unlock()
		return
	}
	lastRun := st.lastRunAt
	if lastRun.IsZero() && algo.LastRunAt != nil {
		lastRun = algo.LastRunAt.UTC()
	}
	firedToday := func(slot string) bool {
		return st.firedSingle[slot] == now.Format("2006-01-02")
	}
	el, err := checkEligible(algo, lastRun, now, firedToday, sessionOpen)
	if err != nil || !el.fire {
		s.mu.Unlock()
		if err != nil && s.Logger != nil {
			s.Logger.Warn("scheduler: bad schedule config",
				zap.Uint64("algorithm_id", algo.ID), zap.Error(err))
		}
		return
	}

	select {
	case s.slotsLocked() <- struct{}{}:
	default:
		s.mu.Unlock()
		return
	}

	st.running = true
	if el.slot != "" {
		st.firedSingle[el.slot] = now.Format("2006-01-02")
	}
	s.mu.Unlock()

	go s.dispatch(algo, now, models.ExecTypeScheduled)
}

// slotsLocked must be called with s.mu held.
func (s *Scheduler) slotsLocked() chan struct{} {
	if s.sem == nil {
		n := s.Config.MaxConcurrent
		if n <= 0 {
			n = 4
		}
		s.sem = make(chan struct{}, n)
	}
	return s.sem
}

// TriggerManual starts an on-demand run outside the scheduling policy.
func (s *Scheduler) TriggerManual(ctx context.Context, algorithmID uint64) (*models.Execution, error) {
	algo, err := s.Repo.GetAlgorithmByID(ctx, algorithmID)
	if err != nil {
		return nil, err
	}
	if algo == nil {
		return nil, ErrNotFound
	}
	if err := strategy.ValidateAlgorithm(*algo); err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.state(algo.ID)
	if st.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	select {
	case s.slotsLocked() <- struct{}{}:
	default:
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	st.running = true
	s.mu.Unlock()

	now := time.Now().UTC()
	exec := s.run(context.Background(), *algo, now, models.ExecTypeManual)
	return exec, nil
}

// CancelRun sets the cooperative cancel flag for a running evaluation.
// The evaluator observes it between symbols; the hard timeout remains the
// backstop.
func (s *Scheduler) CancelRun(algorithmID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[algorithmID]
	if !ok || !st.running || st.cancel == nil {
		return ErrNotRunning
	}
	st.cancel()
	return nil
}

func (s *Scheduler) dispatch(algo models.Algorithm, now time.Time, execType string) {
	defer func() {
		if r := recover(); r != nil && s.Logger != nil {
			s.Logger.Error("scheduler: evaluation panic",
				zap.Uint64("algorithm_id", algo.ID), zap.Any("panic", r))
		}
	}()
	s.run(context.Background(), algo, now, execType)
}

func (s *Scheduler) run(ctx context.Context, algo models.Algorithm, now time.Time, execType string) *models.Execution {
	timeout := s.Config.EvalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	s.mu.Lock()
	st := s.state(algo.ID)
	st.cancel = cancel
	s.mu.Unlock()

	principal := s.principal(algo.UserID)
	brokerType := "paper"
	if s.ResolveBroker != nil {
		if b := s.ResolveBroker(principal); b != "" {
			brokerType = b
		}
	}

	exec := &models.Execution{
		AlgorithmID: algo.ID,
		Type:        execType,
		BrokerType:  brokerType,
		TradingMode: principal.TradingMode,
		Status:      models.ExecStatusRunning,
		StartedAt:   now,
	}
	bg := context.Background()
	if err := s.Repo.InsertExecution(bg, exec); err != nil {
		if s.Logger != nil {
			s.Logger.Error("scheduler: insert execution", zap.Error(err))
		}
		s.finish(bg, algo, now, nil)
		cancel()
		return nil
	}
	_ = s.Repo.UpdateAlgorithmRunState(bg, algo.ID, map[string]any{
		"currently_executing": true,
	})

	signals, orders, runErr := s.evaluate(runCtx, algo, exec, principal, brokerType, now)
	cancel()

	completed := time.Now().UTC()
	updates := map[string]any{
		"signals_generated": signals,
		"orders_placed":     orders,
		"completed_at":      completed,
	}
	switch {
	case runErr == nil:
		updates["status"] = models.ExecStatusCompleted
	case errors.Is(runErr, context.Canceled):
		updates["status"] = models.ExecStatusCancelled
		updates["error_message"] = "cancelled by user"
	case errors.Is(runErr, context.DeadlineExceeded):
		updates["status"] = models.ExecStatusFailed
		updates["error_message"] = "evaluation timed out"
	default:
		updates["status"] = models.ExecStatusFailed
		updates["error_message"] = runErr.Error()
	}
	if err := s.Repo.UpdateExecution(bg, exec.ID, updates); err != nil && s.Logger != nil {
		s.Logger.Error("scheduler: update execution", zap.Error(err))
	}
	exec.Status = updates["status"].(string)
	exec.SignalsGenerated = signals
	exec.OrdersPlaced = orders

	s.finish(bg, algo, completed, runErr)
	return exec
}

func (s *Scheduler) evaluate(ctx context.Context, algo models.Algorithm, exec *models.Execution, principal identity.Principal, brokerType string, now time.Time) (signals, orders int, err error) {
	if s.Risk != nil {
		verdict, err := s.Risk.CheckRun(ctx, algo, now)
		if err != nil {
			return 0, 0, err
		}
		if verdict.AutoStop {
			s.autoStop(ctx, algo.ID, now, verdict.Reason)
			return 0, 0, nil
		}
		if !verdict.Allowed {
			return 0, 0, nil
		}
	}

	ev, err := strategy.ForAlgorithm(algo)
	if err != nil {
		return 0, 0, err
	}
	input, err := s.buildInput(ctx, algo, now)
	if err != nil {
		return 0, 0, err
	}
	drafts, err := ev.Evaluate(ctx, input)
	if err != nil {
		return 0, 0, err
	}

	expiresAt := now.Add(signalTTL)
	for _, d := range drafts {
		if d.Direction == models.DirectionHold {
			continue
		}
		sig := &models.Signal{
			AlgorithmID:     algo.ID,
			ExecutionID:     exec.ID,
			Symbol:          d.Symbol,
			Direction:       d.Direction,
			Quantity:        d.Quantity,
			SuggestedPrice:  d.SuggestedPrice,
			StopLoss:        d.StopLoss,
			Confidence:      d.Confidence,
			Reason:          d.Reason,
			ExecutionStatus: models.SignalPending,
			ExpiresAt:       &expiresAt,
		}
		if err := s.Repo.InsertSignal(ctx, sig); err != nil {
			return signals, orders, fmt.Errorf("insert signal: %w", err)
		}
		signals++

		priority := models.PriorityNormal
		if d.Direction == models.DirectionSell {
			priority = models.PriorityHigh
		}
		if s.Queue != nil {
			if _, err := s.Queue.Enqueue(ctx, *sig, algo.UserID, brokerType, priority, now); err != nil {
				if errors.Is(err, queue.ErrSignalExpired) {
					continue
				}
				return signals, orders, err
			}
			orders++
		}
	}
	return signals, orders, nil
}

func (s *Scheduler) buildInput(ctx context.Context, algo models.Algorithm, now time.Time) (strategy.EvalInput, error) {
	input := strategy.EvalInput{Algorithm: algo, Now: now}

	symbols, err := strategy.UniverseSymbols(algo)
	if err != nil {
		return input, err
	}
	if s.Market != nil && len(symbols) > 0 {
		snap, err := s.Market.GetSnapshot(ctx, symbols, nil)
		if err != nil {
			return input, fmt.Errorf("market snapshot: %w", err)
		}
		input.Snapshot = snap
	}

	sourceType := models.SourceAlgorithm
	sourceID := algo.ID
	open, err := s.Repo.ListPositions(ctx, repository.ListPositionsParams{
		Limit:      500,
		SourceType: &sourceType,
		SourceID:   &sourceID,
	})
	if err != nil {
		return input, err
	}
	for _, p := range open {
		if p.Status == models.PositionSold {
			continue
		}
		input.OpenPositions = append(input.OpenPositions, p)
	}

	input.PortfolioValue = decimal.NewFromInt(defaultPortfolioValue)
	if summary, err := s.Repo.PositionsSummary(ctx, algo.UserID); err == nil && summary.TotalMarketVal > 0 {
		input.PortfolioValue = decimal.NewFromFloat(summary.TotalMarketVal)
	}
	return input, nil
}

func (s *Scheduler) finish(ctx context.Context, algo models.Algorithm, completedAt time.Time, runErr error) {
	s.mu.Lock()
	st := s.state(algo.ID)
	st.running = false
	st.lastRunAt = completedAt
	st.cancel = nil
	s.mu.Unlock()

	select {
	case <-s.slots():
	default:
	}

	updates := map[string]any{
		"currently_executing": false,
		"last_run_at":         completedAt,
	}
	if next := nextRun(algo, completedAt); next != nil {
		updates["next_scheduled_run"] = *next
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		updates["last_error"] = runErr.Error()
		updates["error_count"] = algo.ErrorCount + 1
		if algo.StopOnError {
			updates["status"] = models.AlgoStatusError
			updates["auto_run"] = false
		}
	}
	if err := s.Repo.UpdateAlgorithmRunState(ctx, algo.ID, updates); err != nil && s.Logger != nil {
		s.Logger.Error("scheduler: persist run state",
			zap.Uint64("algorithm_id", algo.ID), zap.Error(err))
	}
}

func (s *Scheduler) autoStop(ctx context.Context, algorithmID uint64, now time.Time, reason string) {
	updates := map[string]any{
		"status":              models.AlgoStatusInactive,
		"auto_run":            false,
		"currently_executing": false,
		"auto_stopped_at":     now,
		"auto_stop_reason":    reason,
	}
	if err := s.Repo.UpdateAlgorithmRunState(ctx, algorithmID, updates); err != nil {
		if s.Logger != nil {
			s.Logger.Error("scheduler: auto-stop", zap.Uint64("algorithm_id", algorithmID), zap.Error(err))
		}
		return
	}
	if s.Logger != nil {
		s.Logger.Info("scheduler: algorithm auto-stopped",
			zap.Uint64("algorithm_id", algorithmID),
			zap.String("reason", reason),
		)
	}
}

func (s *Scheduler) principal(userID string) identity.Principal {
	if s.Identity != nil {
		if p, err := s.Identity.Resolve(userID); err == nil {
			return p
		}
	}
	return identity.Principal{UserID: userID, TradingMode: identity.ModePaper}
}
