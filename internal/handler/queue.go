package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"algotrader/internal/identity"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
)

type QueueHandler struct {
	Repo   repository.Repository
	Queue  *queue.Aggregator
	Logger *zap.Logger
}

func (h *QueueHandler) Register(r gin.IRouter) {
	group := r.Group("/queue")
	group.GET("", h.list)
	group.POST("/:id/cancel", h.cancel)

	r.GET("/orders", h.orders)
}

func (h *QueueHandler) list(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListQueueEntriesParams{
		Limit:   limit,
		Offset:  offset,
		UserID:  &principal.UserID,
		Status:  strPtr(c.Query("status")),
		BatchID: strPtr(c.Query("batch_id")),
		Symbol:  strPtr(c.Query("symbol")),
	}
	items, err := h.Repo.ListQueueEntries(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountQueueEntries(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *QueueHandler) cancel(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	if h.Queue == nil {
		Error(c, http.StatusServiceUnavailable, "queue disabled", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	entry, err := h.Repo.GetQueueEntryByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if entry == nil || entry.UserID != principal.UserID {
		Error(c, http.StatusNotFound, "queue entry not found", nil)
		return
	}
	if err := h.Queue.Cancel(c.Request.Context(), id); err != nil {
		domainError(c, err)
		return
	}
	Ok(c, gin.H{"cancelled": true}, nil)
}

func (h *QueueHandler) orders(c *gin.Context) {
	if _, ok := identity.FromContext(c); !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListBrokerOrders(c.Request.Context(), repository.ListBrokerOrdersParams{
		Limit:      limit,
		Offset:     offset,
		Status:     strPtr(c.Query("status")),
		BrokerType: strPtr(c.Query("broker_type")),
		Symbol:     strPtr(c.Query("symbol")),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}
