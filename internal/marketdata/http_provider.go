package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPProvider fetches snapshots from a REST quote service.
// Expected response shape: {"quotes": {"AAPL": {"price": "189.2", "volume": "1000",
// "indicators": {"rsi_14": 52.1}}}}.
type HTTPProvider struct {
	Client  *http.Client
	BaseURL string

	// Stream, when set, overrides REST prices with fresher streamed ones.
	Stream *StreamCache
}

type quotePayload struct {
	Price      decimal.Decimal    `json:"price"`
	Volume     decimal.Decimal    `json:"volume"`
	Indicators map[string]float64 `json:"indicators"`
	AsOf       *time.Time         `json:"as_of"`
}

type snapshotPayload struct {
	Quotes map[string]quotePayload `json:"quotes"`
}

func (p *HTTPProvider) GetSnapshot(ctx context.Context, symbols []string, indicators []string) (Snapshot, error) {
	if p == nil || p.Client == nil || strings.TrimSpace(p.BaseURL) == "" {
		return nil, fmt.Errorf("market data provider not configured")
	}
	if len(symbols) == 0 {
		return Snapshot{}, nil
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	if len(indicators) > 0 {
		q.Set("indicators", strings.Join(indicators, ","))
	}
	endpoint := strings.TrimRight(p.BaseURL, "/") + "/quotes?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote service returned %d", resp.StatusCode)
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(Snapshot, len(payload.Quotes))
	for symbol, qp := range payload.Quotes {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" || qp.Price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		asOf := now
		if qp.AsOf != nil {
			asOf = qp.AsOf.UTC()
		}
		out[symbol] = Quote{
			Symbol:     symbol,
			Price:      qp.Price,
			Volume:     qp.Volume,
			Indicators: qp.Indicators,
			AsOf:       asOf,
		}
	}

	if p.Stream != nil {
		for symbol, quote := range out {
			if price, at, ok := p.Stream.Last(symbol); ok && at.After(quote.AsOf) {
				quote.Price = price
				quote.AsOf = at
				out[symbol] = quote
			}
		}
	}
	return out, nil
}

type historyPayload struct {
	Bars []struct {
		Symbol     string             `json:"symbol"`
		Time       time.Time          `json:"time"`
		Open       decimal.Decimal    `json:"open"`
		High       decimal.Decimal    `json:"high"`
		Low        decimal.Decimal    `json:"low"`
		Close      decimal.Decimal    `json:"close"`
		Volume     decimal.Decimal    `json:"volume"`
		Indicators map[string]float64 `json:"indicators"`
	} `json:"bars"`
}

func (p *HTTPProvider) GetHistory(ctx context.Context, symbols []string, start, end time.Time) ([]Bar, error) {
	if p == nil || p.Client == nil || strings.TrimSpace(p.BaseURL) == "" {
		return nil, fmt.Errorf("market data provider not configured")
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	endpoint := strings.TrimRight(p.BaseURL, "/") + "/history?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history service returned %d", resp.StatusCode)
	}

	var payload historyPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	out := make([]Bar, 0, len(payload.Bars))
	for _, b := range payload.Bars {
		out = append(out, Bar{
			Symbol:     strings.ToUpper(strings.TrimSpace(b.Symbol)),
			Time:       b.Time.UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			Indicators: b.Indicators,
		})
	}
	return out, nil
}
