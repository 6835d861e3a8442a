package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"algotrader/internal/backtest"
	"algotrader/internal/identity"
	"algotrader/internal/models"
	"algotrader/internal/repository"
	"algotrader/internal/scheduler"
	"algotrader/internal/strategy"
)

type AlgorithmHandler struct {
	Repo      repository.Repository
	Scheduler *scheduler.Scheduler
	Backtest  *backtest.Engine
	Logger    *zap.Logger
}

func (h *AlgorithmHandler) Register(r gin.IRouter) {
	group := r.Group("/algorithms")
	group.POST("", h.create)
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.PUT("/:id", h.update)
	group.POST("/:id/run", h.run)
	group.POST("/:id/cancel", h.cancel)
	group.GET("/:id/executions", h.executions)
	group.GET("/:id/signals", h.signals)
	group.POST("/:id/backtest", h.backtest)
	group.GET("/:id/backtests", h.backtests)
}

type algorithmRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	StrategyType string          `json:"strategy_type"`
	StrategyCode string          `json:"strategy_code"`
	RuleGraph    json.RawMessage `json:"rule_graph"`

	UniverseSymbols []string        `json:"universe_symbols"`
	SizingConfig    json.RawMessage `json:"sizing_config"`

	SchedulingType  string          `json:"scheduling_type"`
	IntervalMinutes int             `json:"interval_minutes"`
	TimeWindows     json.RawMessage `json:"time_windows"`
	RunTimes        json.RawMessage `json:"run_times"`

	RunDurationType  string     `json:"run_duration_type"`
	RunDurationValue int        `json:"run_duration_value"`
	RunStartDate     *time.Time `json:"run_start_date"`
	RunEndDate       *time.Time `json:"run_end_date"`

	MaxPositions          int             `json:"max_positions"`
	MaxDailyLoss          decimal.Decimal `json:"max_daily_loss"`
	AutoStopOnLoss        bool            `json:"auto_stop_on_loss"`
	AutoStopLossThreshold decimal.Decimal `json:"auto_stop_loss_threshold"`
	StopOnError           bool            `json:"stop_on_error"`

	AutoRun *bool   `json:"auto_run"`
	Status  *string `json:"status"`
}

func (req *algorithmRequest) apply(item *models.Algorithm) error {
	item.Name = req.Name
	item.Description = req.Description
	item.StrategyType = req.StrategyType
	item.StrategyCode = req.StrategyCode
	if len(req.RuleGraph) > 0 {
		item.RuleGraph = datatypes.JSON(req.RuleGraph)
	}
	if req.UniverseSymbols != nil {
		raw, err := json.Marshal(req.UniverseSymbols)
		if err != nil {
			return err
		}
		item.UniverseSymbols = datatypes.JSON(raw)
	}
	if len(req.SizingConfig) > 0 {
		item.SizingConfig = datatypes.JSON(req.SizingConfig)
	}
	item.SchedulingType = req.SchedulingType
	item.IntervalMinutes = req.IntervalMinutes
	if len(req.TimeWindows) > 0 {
		item.TimeWindows = datatypes.JSON(req.TimeWindows)
	}
	if len(req.RunTimes) > 0 {
		item.RunTimes = datatypes.JSON(req.RunTimes)
	}
	item.RunDurationType = req.RunDurationType
	item.RunDurationValue = req.RunDurationValue
	if req.RunStartDate != nil {
		item.RunStartDate = req.RunStartDate
	}
	item.RunEndDate = req.RunEndDate
	item.MaxPositions = req.MaxPositions
	item.MaxDailyLoss = req.MaxDailyLoss
	item.AutoStopOnLoss = req.AutoStopOnLoss
	item.AutoStopLossThreshold = req.AutoStopLossThreshold
	item.StopOnError = req.StopOnError
	if req.AutoRun != nil {
		item.AutoRun = *req.AutoRun
	}
	if req.Status != nil {
		item.Status = *req.Status
	}
	return nil
}

func validateAlgorithm(item models.Algorithm) error {
	if err := strategy.ValidateAlgorithm(item); err != nil {
		return err
	}
	return scheduler.ValidateSchedule(item)
}

func (h *AlgorithmHandler) create(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	var req algorithmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	now := time.Now().UTC()
	item := models.Algorithm{
		UserID:          principal.UserID,
		SchedulingType:  models.ScheduleInterval,
		RunDurationType: models.DurationForever,
		Status:          models.AlgoStatusInactive,
		RunStartDate:    &now,
	}
	if err := req.apply(&item); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if item.SchedulingType == "" {
		item.SchedulingType = models.ScheduleInterval
	}
	if item.RunDurationType == "" {
		item.RunDurationType = models.DurationForever
	}
	// Configuration errors are rejected here; they never reach the
	// scheduler.
	if err := validateAlgorithm(item); err != nil {
		domainError(c, err)
		return
	}
	if err := h.Repo.InsertAlgorithm(c.Request.Context(), &item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *AlgorithmHandler) list(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListAlgorithmsParams{
		Limit:   limit,
		Offset:  offset,
		UserID:  &principal.UserID,
		Status:  strPtr(c.Query("status")),
		AutoRun: boolQueryPtr(c, "auto_run"),
	}
	items, err := h.Repo.ListAlgorithms(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountAlgorithms(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *AlgorithmHandler) owned(c *gin.Context) (*models.Algorithm, bool) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return nil, false
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return nil, false
	}
	item, err := h.Repo.GetAlgorithmByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return nil, false
	}
	if item == nil || item.UserID != principal.UserID {
		Error(c, http.StatusNotFound, "algorithm not found", nil)
		return nil, false
	}
	return item, true
}

func (h *AlgorithmHandler) get(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	Ok(c, item, nil)
}

func (h *AlgorithmHandler) update(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	var req algorithmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := req.apply(item); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := validateAlgorithm(*item); err != nil {
		domainError(c, err)
		return
	}
	if err := h.Repo.UpdateAlgorithm(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *AlgorithmHandler) run(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	if h.Scheduler == nil {
		Error(c, http.StatusServiceUnavailable, "scheduler disabled", nil)
		return
	}
	exec, err := h.Scheduler.TriggerManual(c.Request.Context(), item.ID)
	if err != nil {
		domainError(c, err)
		return
	}
	Ok(c, exec, nil)
}

func (h *AlgorithmHandler) cancel(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	if h.Scheduler == nil {
		Error(c, http.StatusServiceUnavailable, "scheduler disabled", nil)
		return
	}
	if err := h.Scheduler.CancelRun(item.ID); err != nil {
		domainError(c, err)
		return
	}
	Ok(c, gin.H{"cancelled": true}, nil)
}

func (h *AlgorithmHandler) executions(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListExecutionsParams{
		Limit:       limit,
		Offset:      offset,
		AlgorithmID: &item.ID,
		Status:      strPtr(c.Query("status")),
	}
	items, err := h.Repo.ListExecutions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountExecutions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *AlgorithmHandler) signals(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListSignalsParams{
		Limit:       limit,
		Offset:      offset,
		AlgorithmID: &item.ID,
	}
	if pending := boolQueryPtr(c, "pending"); pending != nil && *pending {
		status := models.SignalPending
		params.Status = &status
	} else if s := c.Query("status"); s != "" {
		params.Status = &s
	}
	items, err := h.Repo.ListSignals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountSignals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

type backtestRequest struct {
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
}

func (h *AlgorithmHandler) backtest(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	if h.Backtest == nil {
		Error(c, http.StatusServiceUnavailable, "backtesting disabled", nil)
		return
	}
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	result, err := h.Backtest.Run(c.Request.Context(), *item, req.StartDate, req.EndDate, req.InitialCapital)
	if err != nil {
		domainError(c, err)
		return
	}
	Ok(c, result, nil)
}

func (h *AlgorithmHandler) backtests(c *gin.Context) {
	item, ok := h.owned(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListBacktestResults(c.Request.Context(), repository.ListBacktestResultsParams{
		Limit:       limit,
		Offset:      offset,
		AlgorithmID: &item.ID,
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}
