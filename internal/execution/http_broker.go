package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// HTTPBroker talks to a brokerage order API.
type HTTPBroker struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

type httpOrderRequest struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  string `json:"quantity"`
	OrderType string `json:"order_type"`
	ClientRef string `json:"client_ref"`
}

type httpOrderResponse struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
}

func (b *HTTPBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if b == nil || b.BaseURL == "" {
		return "", fmt.Errorf("http broker not configured: %w", ErrBrokerUnavailable)
	}
	payload := httpOrderRequest{
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity.String(),
		OrderType: req.OrderType,
		ClientRef: req.BatchID,
	}
	var resp httpOrderResponse
	if err := b.doJSON(ctx, http.MethodPost, "/orders", payload, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.OrderID) == "" {
		return "", fmt.Errorf("broker returned no order id: %w", ErrBrokerUnavailable)
	}
	return resp.OrderID, nil
}

func (b *HTTPBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	if b == nil || b.BaseURL == "" {
		return OrderStatus{}, fmt.Errorf("http broker not configured: %w", ErrBrokerUnavailable)
	}
	var resp httpOrderResponse
	path := "/orders/" + url.PathEscape(brokerOrderID)
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return OrderStatus{}, err
	}
	return OrderStatus{
		Status:         resp.Status,
		FilledQuantity: resp.FilledQuantity,
		AvgFillPrice:   resp.AvgFillPrice,
	}, nil
}

func (b *HTTPBroker) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(b.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: broker returned %d", ErrBrokerUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broker rejected request: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
