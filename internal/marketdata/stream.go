package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// StreamCache keeps the last streamed price per symbol from a quote
// websocket feed, reconnecting with capped backoff.
type StreamCache struct {
	URL     string
	Symbols func(ctx context.Context) ([]string, error)
	Logger  *zap.Logger

	mu    sync.RWMutex
	last  map[string]Quote
	first bool
}

type streamSubscribe struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type streamTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Time   *time.Time      `json:"time"`
}

// Last returns the most recent streamed price for a symbol.
func (s *StreamCache) Last(symbol string) (decimal.Decimal, time.Time, bool) {
	if s == nil {
		return decimal.Zero, time.Time{}, false
	}
	s.mu.RLock()
	q, ok := s.last[strings.ToUpper(strings.TrimSpace(symbol))]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return q.Price, q.AsOf, true
}

func (s *StreamCache) Run(ctx context.Context) error {
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("stream url not configured")
	}
	backoff := time.Second
	const backoffMax = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.runOnce(ctx)
		if err != nil && errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil && s.Logger != nil {
			s.Logger.Warn("quote stream disconnected", zap.Error(err), zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (s *StreamCache) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	symbols, err := s.symbolSet(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(streamSubscribe{Type: "subscribe", Symbols: symbols})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}
	if !s.first {
		s.first = true
		if s.Logger != nil {
			s.Logger.Info("quote stream connected", zap.Int("symbols", len(symbols)))
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var tick streamTick
		if err := json.Unmarshal(data, &tick); err != nil {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(tick.Symbol))
		if symbol == "" || tick.Price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		at := time.Now().UTC()
		if tick.Time != nil {
			at = tick.Time.UTC()
		}
		s.mu.Lock()
		if s.last == nil {
			s.last = map[string]Quote{}
		}
		s.last[symbol] = Quote{Symbol: symbol, Price: tick.Price, Volume: tick.Volume, AsOf: at}
		s.mu.Unlock()
	}
}

func (s *StreamCache) symbolSet(ctx context.Context) ([]string, error) {
	if s.Symbols == nil {
		return nil, nil
	}
	raw, err := s.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, sym := range raw {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out, nil
}
