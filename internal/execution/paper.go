package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// PaperBroker fills every order immediately and in full against a caller
// supplied price source. Order ids are sequential so runs are reproducible.
type PaperBroker struct {
	// FillPrice resolves the simulated fill price for a symbol.
	FillPrice func(symbol string) decimal.Decimal

	mu     sync.Mutex
	seq    uint64
	orders map[string]paperOrder
}

type paperOrder struct {
	symbol   string
	quantity decimal.Decimal
	price    decimal.Decimal
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	price := decimal.Zero
	if p.FillPrice != nil {
		price = p.FillPrice(req.Symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("paper-%06d", p.seq)
	if p.orders == nil {
		p.orders = map[string]paperOrder{}
	}
	p.orders[id] = paperOrder{symbol: req.Symbol, quantity: req.Quantity, price: price}
	return id, nil
}

func (p *PaperBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown paper order %q", brokerOrderID)
	}
	return OrderStatus{
		Status:         "filled",
		FilledQuantity: o.quantity,
		AvgFillPrice:   o.price,
	}, nil
}
