package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"algotrader/internal/identity"
	"algotrader/internal/queue"
)

// Releaser drains due batch windows and hands each batch to the router
// under the owning user's routing identity.
type Releaser struct {
	Queue    *queue.Aggregator
	Router   *Router
	Identity identity.Provider
	Logger   *zap.Logger
}

// Release collects every batch due at now and routes it. A batch that
// fails to route is failed by the router itself; errors here are logged
// per batch so one bad batch never blocks the rest of the window.
func (r *Releaser) Release(ctx context.Context, now time.Time) (int, error) {
	if r == nil || r.Queue == nil || r.Router == nil {
		return 0, nil
	}
	batches, err := r.Queue.ReleaseDueBatches(ctx, now)
	if err != nil {
		return 0, err
	}
	routed := 0
	for _, batch := range batches {
		principal := identity.Principal{UserID: batch.UserID, TradingMode: identity.ModePaper}
		if r.Identity != nil {
			resolved, err := r.Identity.Resolve(batch.UserID)
			if err != nil {
				r.Logger.Warn("identity resolve failed, defaulting to paper",
					zap.String("user_id", batch.UserID), zap.Error(err))
			} else {
				principal = resolved
			}
		}
		if _, err := r.Router.RouteBatch(ctx, batch, principal); err != nil {
			r.Logger.Error("batch routing failed",
				zap.String("batch_id", batch.BatchID),
				zap.String("symbol", batch.Symbol),
				zap.Error(err))
			continue
		}
		routed++
	}
	return routed, nil
}
