package execution

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrBrokerUnavailable is returned when a broker cannot be reached after
// the configured retries are exhausted.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrNoRoute is returned when the routing table has no row for the
// caller's region and trading mode.
var ErrNoRoute = errors.New("no broker route")

// OrderRequest is one aggregated order for a broker.
type OrderRequest struct {
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	OrderType string
	BatchID   string
}

// OrderStatus is the broker's view of a submitted order.
type OrderStatus struct {
	Status         string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Client is the per-broker submission surface.
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)
}
