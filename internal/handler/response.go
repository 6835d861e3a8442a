package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"algotrader/internal/execution"
	"algotrader/internal/position"
	"algotrader/internal/queue"
	"algotrader/internal/scheduler"
	"algotrader/internal/strategy"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// domainError maps sentinel errors onto the response codes callers are
// promised: 404 unknown, 409 conflict, 422 bad config, 503 broker down.
func domainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, strategy.ErrInvalidConfig):
		Error(c, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, queue.ErrConflict),
		errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, position.ErrClosed),
		errors.Is(err, position.ErrOversell):
		Error(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, position.ErrNotFound):
		Error(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, execution.ErrBrokerUnavailable):
		Error(c, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		Error(c, http.StatusBadGateway, err.Error(), nil)
	}
}

func paginationMeta(limit, offset int, total int64) map[string]any {
	return map[string]any{
		"limit":  limit,
		"offset": offset,
		"total":  total,
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func uint64Param(c *gin.Context, key string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(key), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}
