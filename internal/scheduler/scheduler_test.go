package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"algotrader/internal/config"
	"algotrader/internal/marketdata"
	"algotrader/internal/models"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
)

type schedStub struct {
	repository.Repository

	mu         sync.Mutex
	algos      []models.Algorithm
	executions []*models.Execution
	execFinal  map[uint64]map[string]any
	runState   map[uint64]map[string]any
	signals    []*models.Signal
	entries    []*models.QueueEntry
	summary    repository.PositionsSummary
	nextExecID uint64
}

func newSchedStub() *schedStub {
	return &schedStub{
		execFinal:  map[uint64]map[string]any{},
		runState:   map[uint64]map[string]any{},
		nextExecID: 1,
	}
}

func (s *schedStub) ListRunnableAlgorithms(ctx context.Context) ([]models.Algorithm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Algorithm(nil), s.algos...), nil
}

func (s *schedStub) GetAlgorithmByID(ctx context.Context, id uint64) (*models.Algorithm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.algos {
		if a.ID == id {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *schedStub) UpdateAlgorithmRunState(ctx context.Context, id uint64, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.runState[id]
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range updates {
		merged[k] = v
	}
	s.runState[id] = merged
	return nil
}

func (s *schedStub) InsertExecution(ctx context.Context, item *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.nextExecID
	s.nextExecID++
	s.executions = append(s.executions, item)
	return nil
}

func (s *schedStub) UpdateExecution(ctx context.Context, id uint64, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execFinal[id] = updates
	return nil
}

func (s *schedStub) InsertSignal(ctx context.Context, item *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = uint64(len(s.signals) + 1)
	s.signals = append(s.signals, item)
	return nil
}

func (s *schedStub) InsertQueueEntry(ctx context.Context, item *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = uint64(len(s.entries) + 1)
	s.entries = append(s.entries, item)
	return nil
}

func (s *schedStub) UpdateSignalStatus(ctx context.Context, id uint64, status string) error {
	return nil
}

func (s *schedStub) ListPositions(ctx context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	return nil, nil
}

func (s *schedStub) PositionsSummary(ctx context.Context, userID string) (repository.PositionsSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary, nil
}

type snapshotProvider struct {
	snap marketdata.Snapshot
}

func (p *snapshotProvider) GetSnapshot(ctx context.Context, symbols, indicators []string) (marketdata.Snapshot, error) {
	return p.snap, nil
}

func intervalAlgo(id uint64) models.Algorithm {
	return models.Algorithm{
		ID:              id,
		UserID:          "u1",
		StrategyType:    models.StrategyTypeCode,
		StrategyCode:    `{"entry":"price > 0"}`,
		UniverseSymbols: datatypes.JSON(`["AAPL"]`),
		SizingConfig:    datatypes.JSON(`{"type":"fixed","quantity":"5"}`),
		SchedulingType:  models.ScheduleInterval,
		IntervalMinutes: 5,
		MaxPositions:    10,
		Status:          models.AlgoStatusActive,
		AutoRun:         true,
	}
}

func newTestScheduler(stub *schedStub) *Scheduler {
	return &Scheduler{
		Repo:   stub,
		Config: config.SchedulerConfig{MaxConcurrent: 2, EvalTimeout: 5 * time.Second},
		Market: &snapshotProvider{snap: marketdata.Snapshot{
			"AAPL": {Price: decimal.NewFromInt(180), Volume: decimal.NewFromInt(1000)},
		}},
		Queue: &queue.Aggregator{Repo: stub, Config: config.QueueConfig{BatchGranularityMinutes: 5}},
	}
}

func TestIntervalEligibilityBoundary(t *testing.T) {
	algo := intervalAlgo(1)
	lastRun := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	el, err := checkEligible(algo, lastRun, time.Date(2026, 3, 2, 10, 4, 59, 0, time.UTC), nil, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if el.fire {
		t.Fatal("must not fire at 10:04:59 with a 5 minute interval from 10:00:00")
	}
	el, err = checkEligible(algo, lastRun, time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC), nil, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if !el.fire {
		t.Fatal("must fire at exactly 10:05:00")
	}
}

func TestSingleTimeFiresOncePerDay(t *testing.T) {
	algo := intervalAlgo(1)
	algo.SchedulingType = models.ScheduleSingleTime
	algo.RunTimes = datatypes.JSON(`["09:30"]`)

	now := time.Date(2026, 3, 2, 9, 30, 10, 0, time.UTC)
	el, err := checkEligible(algo, time.Time{}, now, func(string) bool { return false }, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if !el.fire || el.slot != "09:30" {
		t.Fatalf("eligibility = %+v", el)
	}
	el, err = checkEligible(algo, time.Time{}, now, func(string) bool { return true }, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if el.fire {
		t.Fatal("slot already fired today must not fire again")
	}
	el, err = checkEligible(algo, time.Time{}, now.Add(time.Hour), func(string) bool { return false }, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if el.fire {
		t.Fatal("must not fire outside the configured time")
	}
}

func TestTimeWindowEligibility(t *testing.T) {
	algo := intervalAlgo(1)
	algo.SchedulingType = models.ScheduleTimeWindows
	algo.TimeWindows = datatypes.JSON(`[{"start":"09:15","end":"15:30"}]`)

	el, err := checkEligible(algo, time.Time{}, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), nil, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if !el.fire {
		t.Fatal("inside window with no prior run must fire")
	}
	el, err = checkEligible(algo, time.Time{}, time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC), nil, true)
	if err != nil {
		t.Fatalf("checkEligible: %v", err)
	}
	if el.fire {
		t.Fatal("outside window must not fire")
	}
}

func TestContinuousFollowsSession(t *testing.T) {
	algo := intervalAlgo(1)
	algo.SchedulingType = models.ScheduleContinuous
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	el, _ := checkEligible(algo, time.Time{}, now, nil, true)
	if !el.fire {
		t.Fatal("open session must fire")
	}
	el, _ = checkEligible(algo, time.Time{}, now, nil, false)
	if el.fire {
		t.Fatal("closed session must not fire")
	}
}

func TestDurationAutoStopAtExactDay(t *testing.T) {
	stub := newSchedStub()
	s := newTestScheduler(stub)

	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	algo := intervalAlgo(1)
	algo.RunDurationType = models.DurationDays
	algo.RunDurationValue = 30
	algo.RunStartDate = &start
	stub.algos = []models.Algorithm{algo}

	// One tick before the limit: no auto-stop.
	s.considerAlgorithm(context.Background(), algo, start.AddDate(0, 0, 30).Add(-time.Second))
	if st, ok := stub.runState[1]["status"]; ok && st == models.AlgoStatusInactive {
		t.Fatal("auto-stopped before the 30 day limit")
	}

	s.considerAlgorithm(context.Background(), algo, start.AddDate(0, 0, 30))
	rs := stub.runState[1]
	if rs["status"] != models.AlgoStatusInactive {
		t.Fatalf("status = %v, want inactive", rs["status"])
	}
	if rs["auto_stop_reason"] != "Duration limit reached" {
		t.Fatalf("reason = %v", rs["auto_stop_reason"])
	}
}

func TestRunProducesSignalsAndQueueEntries(t *testing.T) {
	stub := newSchedStub()
	s := newTestScheduler(stub)
	algo := intervalAlgo(1)
	stub.algos = []models.Algorithm{algo}

	now := time.Date(2026, 3, 2, 10, 2, 0, 0, time.UTC)
	s.slots() <- struct{}{}
	s.mu.Lock()
	s.state(1).running = true
	s.mu.Unlock()
	exec := s.run(context.Background(), algo, now, models.ExecTypeScheduled)
	if exec == nil {
		t.Fatal("run returned no execution")
	}
	if exec.Status != models.ExecStatusCompleted {
		t.Fatalf("execution status = %s", exec.Status)
	}
	if exec.SignalsGenerated != 1 || exec.OrdersPlaced != 1 {
		t.Fatalf("counts = %d signals / %d orders, want 1/1", exec.SignalsGenerated, exec.OrdersPlaced)
	}
	if len(stub.entries) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(stub.entries))
	}
	entry := stub.entries[0]
	want := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	if !entry.ScheduledExecutionAt.Equal(want) {
		t.Fatalf("entry window = %v, want %v", entry.ScheduledExecutionAt, want)
	}
	rs := stub.runState[1]
	if rs["currently_executing"] != false {
		t.Fatalf("currently_executing audit = %v, want false after run", rs["currently_executing"])
	}
	if _, ok := rs["last_run_at"]; !ok {
		t.Fatal("last_run_at not persisted")
	}
}

func TestNoDoubleInvocation(t *testing.T) {
	stub := newSchedStub()
	s := newTestScheduler(stub)
	stub.algos = []models.Algorithm{intervalAlgo(1)}

	s.mu.Lock()
	s.state(1).running = true
	s.mu.Unlock()

	if err := s.Tick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(stub.executions) != 0 {
		t.Fatalf("executions = %d, a running algorithm must not be re-dispatched", len(stub.executions))
	}
}

func TestTriggerManualConflict(t *testing.T) {
	stub := newSchedStub()
	s := newTestScheduler(stub)
	stub.algos = []models.Algorithm{intervalAlgo(1)}

	s.mu.Lock()
	s.state(1).running = true
	s.mu.Unlock()

	if _, err := s.TriggerManual(context.Background(), 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if _, err := s.TriggerManual(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEvaluationTimeoutFailsExecution(t *testing.T) {
	stub := newSchedStub()
	s := newTestScheduler(stub)
	s.Config.EvalTimeout = time.Nanosecond
	algo := intervalAlgo(1)
	stub.algos = []models.Algorithm{algo}

	s.slots() <- struct{}{}
	s.mu.Lock()
	s.state(1).running = true
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
	exec := s.run(context.Background(), algo, time.Now().UTC(), models.ExecTypeScheduled)
	if exec == nil {
		t.Fatal("run returned no execution")
	}
	if exec.Status != models.ExecStatusFailed {
		t.Fatalf("execution status = %s, want failed", exec.Status)
	}
	final := stub.execFinal[exec.ID]
	if final["error_message"] != "evaluation timed out" {
		t.Fatalf("error message = %v", final["error_message"])
	}
}

func TestValidateScheduleRejectsBadConfig(t *testing.T) {
	bad := []models.Algorithm{
		{SchedulingType: "hourly"},
		{SchedulingType: models.ScheduleInterval, IntervalMinutes: 0},
		{SchedulingType: models.ScheduleSingleTime},
		{SchedulingType: models.ScheduleSingleTime, RunTimes: datatypes.JSON(`["25:99"]`)},
		{SchedulingType: models.ScheduleInterval, IntervalMinutes: 5, RunDurationType: models.DurationDays},
		{SchedulingType: models.ScheduleInterval, IntervalMinutes: 5, RunDurationType: models.DurationUntilDate},
	}
	for i, algo := range bad {
		if err := ValidateSchedule(algo); err == nil {
			t.Fatalf("case %d: expected config error", i)
		}
	}
	end := time.Now().Add(time.Hour)
	good := models.Algorithm{
		SchedulingType: models.ScheduleInterval, IntervalMinutes: 5,
		RunDurationType: models.DurationUntilDate, RunEndDate: &end,
	}
	if err := ValidateSchedule(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
