package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"algotrader/internal/config"
	"algotrader/internal/identity"
	"algotrader/internal/models"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
)

// Route is one resolved row of the region x mode routing table.
type Route struct {
	Region  string
	Mode    string
	Broker  string
	BaseURL string
	Live    bool
}

type routeKey struct {
	region string
	mode   string
}

// Router resolves broker configuration per caller and submits aggregated
// batches, with bounded retries and a global submit rate limit.
type Router struct {
	Repo    repository.Repository
	Logger  *zap.Logger
	Config  config.ExecutionConfig
	Brokers map[string]Client

	routes  map[routeKey]Route
	limiter *rate.Limiter
}

func NewRouter(cfg config.ExecutionConfig, routing []config.RouteConfig, repo repository.Repository, brokers map[string]Client, logger *zap.Logger) (*Router, error) {
	routes := make(map[routeKey]Route, len(routing))
	for _, rc := range routing {
		region := strings.ToUpper(strings.TrimSpace(rc.Region))
		mode := strings.ToLower(strings.TrimSpace(rc.Mode))
		if region == "" || mode == "" || strings.TrimSpace(rc.Broker) == "" {
			return nil, fmt.Errorf("routing row needs region, mode and broker: %+v", rc)
		}
		// A live endpoint behind a paper mode row (or the reverse)
		// is a misconfiguration, not a runtime decision.
		if rc.Live != (mode == identity.ModeLive) {
			return nil, fmt.Errorf("route %s/%s: live flag %v contradicts mode", region, mode, rc.Live)
		}
		routes[routeKey{region: region, mode: mode}] = Route{
			Region:  region,
			Mode:    mode,
			Broker:  rc.Broker,
			BaseURL: rc.BaseURL,
			Live:    rc.Live,
		}
	}
	submitRate := cfg.SubmitRate
	if submitRate <= 0 {
		submitRate = 5
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Router{
		Repo:    repo,
		Logger:  logger,
		Config:  cfg,
		Brokers: brokers,
		routes:  routes,
		limiter: rate.NewLimiter(rate.Limit(submitRate), burst),
	}, nil
}

// Resolve returns the broker route for a caller. Paper principals can only
// resolve paper routes and live principals only live routes.
func (r *Router) Resolve(p identity.Principal) (Route, error) {
	mode := p.TradingMode
	if mode == "" {
		mode = identity.ModePaper
	}
	route, ok := r.routes[routeKey{region: strings.ToUpper(p.Region), mode: mode}]
	if !ok {
		return Route{}, fmt.Errorf("%w for region %q mode %q", ErrNoRoute, p.Region, mode)
	}
	if route.Live != (mode == identity.ModeLive) {
		return Route{}, fmt.Errorf("%w: mode isolation violated for region %q", ErrNoRoute, p.Region)
	}
	return route, nil
}

// RouteBatch submits one released batch to the caller's broker and records
// the broker order. Broker failures are retried with exponential backoff
// up to the configured attempt cap; exhaustion fails the whole batch and
// rejects its signals.
func (r *Router) RouteBatch(ctx context.Context, batch queue.ReleasedBatch, p identity.Principal) (*models.BrokerOrder, error) {
	route, err := r.Resolve(p)
	if err != nil {
		return nil, r.failBatch(ctx, batch, err)
	}
	client, ok := r.Brokers[route.Broker]
	if !ok || client == nil {
		return nil, r.failBatch(ctx, batch, fmt.Errorf("%w: no client for broker %q", ErrBrokerUnavailable, route.Broker))
	}

	order := &models.BrokerOrder{
		BatchID:               batch.BatchID,
		BrokerType:            route.Broker,
		TradingMode:           route.Mode,
		Symbol:                batch.Symbol,
		Side:                  batch.Side,
		Quantity:              batch.Quantity,
		Status:                models.OrderStatusPending,
		ExpectedExecutionDate: batch.WindowAt.Add(24 * time.Hour),
	}
	if err := r.Repo.InsertBrokerOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("insert broker order: %w", err)
	}

	maxAttempts := r.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := r.Config.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var brokerOrderID string
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		submitCtx := ctx
		cancel := func() {}
		if r.Config.SubmitTimeout > 0 {
			submitCtx, cancel = context.WithTimeout(ctx, r.Config.SubmitTimeout)
		}
		brokerOrderID, lastErr = client.SubmitOrder(submitCtx, OrderRequest{
			Symbol:    batch.Symbol,
			Side:      batch.Side,
			Quantity:  batch.Quantity,
			OrderType: "market",
			BatchID:   batch.BatchID,
		})
		cancel()
		if lastErr == nil {
			break
		}
		if r.Logger != nil {
			r.Logger.Warn("execution: submit attempt failed",
				zap.String("batch_id", batch.BatchID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(backoff << (attempt - 1)):
				continue
			}
			break
		}
	}

	if lastErr != nil {
		reason := lastErr.Error()
		_ = r.Repo.UpdateBrokerOrder(ctx, order.ID, map[string]any{
			"status":         models.OrderStatusRejected,
			"attempts":       maxAttempts,
			"failure_reason": reason,
		})
		return nil, r.failBatch(ctx, batch, fmt.Errorf("submit batch %s: %w", batch.BatchID, lastErr))
	}

	now := time.Now().UTC()
	if err := r.Repo.UpdateBrokerOrder(ctx, order.ID, map[string]any{
		"status":          models.OrderStatusSubmitted,
		"broker_order_id": brokerOrderID,
		"submitted_at":    now,
	}); err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}
	order.Status = models.OrderStatusSubmitted
	order.BrokerOrderID = brokerOrderID
	order.SubmittedAt = &now

	// Fan the broker's id back to every constituent entry for traceability.
	for _, e := range batch.Entries {
		if err := r.Repo.UpdateQueueEntryStatus(ctx, e.ID, models.QueueStatusExecuting, map[string]any{
			"broker_order_id": brokerOrderID,
		}); err != nil {
			return nil, fmt.Errorf("tag entry %d: %w", e.ID, err)
		}
	}
	if r.Logger != nil {
		r.Logger.Info("execution: batch submitted",
			zap.String("batch_id", batch.BatchID),
			zap.String("broker", route.Broker),
			zap.String("broker_order_id", brokerOrderID),
			zap.String("quantity", batch.Quantity.String()),
		)
	}
	return order, nil
}

func (r *Router) failBatch(ctx context.Context, batch queue.ReleasedBatch, cause error) error {
	ids := make([]uint64, 0, len(batch.Entries))
	signalIDs := make([]uint64, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		ids = append(ids, e.ID)
		signalIDs = append(signalIDs, e.SignalID)
	}
	if _, err := r.Repo.BulkUpdateQueueStatus(ctx, ids, models.QueueStatusFailed, cause.Error()); err != nil && r.Logger != nil {
		r.Logger.Error("execution: mark entries failed", zap.Error(err))
	}
	if _, err := r.Repo.BulkUpdateSignalStatus(ctx, signalIDs, models.SignalRejected); err != nil && r.Logger != nil {
		r.Logger.Error("execution: mark signals rejected", zap.Error(err))
	}
	if r.Logger != nil {
		r.Logger.Error("execution: batch failed",
			zap.String("batch_id", batch.BatchID),
			zap.Error(cause),
		)
	}
	return cause
}
