package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/identity"
	"algotrader/internal/position"
	"algotrader/internal/repository"
)

type PositionHandler struct {
	Repo      repository.Repository
	Positions *position.Manager
	Logger    *zap.Logger
}

func (h *PositionHandler) Register(r gin.IRouter) {
	group := r.Group("/positions")
	group.GET("", h.list)
	group.GET("/summary", h.summary)
	group.GET("/history", h.history)
	group.POST("/:id/close", h.close)
}

func (h *PositionHandler) list(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListPositionsParams{
		Limit:       limit,
		Offset:      offset,
		UserID:      &principal.UserID,
		PortfolioID: strPtr(c.Query("portfolio_id")),
		Status:      strPtr(c.Query("status")),
		Symbol:      strPtr(c.Query("symbol")),
		SourceType:  strPtr(c.Query("source_type")),
	}
	items, err := h.Repo.ListPositions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountPositions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *PositionHandler) summary(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	summary, err := h.Repo.PositionsSummary(c.Request.Context(), principal.UserID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, summary, nil)
}

func (h *PositionHandler) history(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListPositionHistory(c.Request.Context(), repository.ListPositionHistoryParams{
		Limit:  limit,
		Offset: offset,
		UserID: &principal.UserID,
		Symbol: strPtr(c.Query("symbol")),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type closePositionRequest struct {
	Quantity *decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal  `json:"price"`
	Reason   string           `json:"reason"`
}

func (h *PositionHandler) close(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	if h.Positions == nil {
		Error(c, http.StatusServiceUnavailable, "position manager disabled", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	pos, err := h.Repo.GetPositionByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if pos == nil || pos.UserID != principal.UserID {
		Error(c, http.StatusNotFound, "position not found", nil)
		return
	}
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	closed, err := h.Positions.Close(c.Request.Context(), id, req.Quantity, req.Price, req.Reason)
	if err != nil {
		domainError(c, err)
		return
	}
	Ok(c, closed, nil)
}
