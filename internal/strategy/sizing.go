package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Sizing type discriminator. When more than one sizing field is populated
// the discriminator decides; the unused fields are ignored.
const (
	SizingFixed     = "fixed"
	SizingPercent   = "percent"
	SizingRiskBased = "risk_based"
)

type sizingParams struct {
	Type               string           `json:"type"`
	Quantity           *decimal.Decimal `json:"quantity"`
	PercentOfPortfolio *decimal.Decimal `json:"percent_of_portfolio"`
	RiskAmount         *decimal.Decimal `json:"risk_amount"`
	StopLossPercent    *decimal.Decimal `json:"stop_loss_percent"`
}

// SizingConfig resolves signal quantities. Per-symbol overrides take
// precedence over the defaults.
type SizingConfig struct {
	Default   sizingParams
	PerSymbol map[string]sizingParams
}

func ParseSizing(raw datatypes.JSON) (SizingConfig, error) {
	var cfg SizingConfig
	if len(raw) == 0 {
		return cfg, fmt.Errorf("%w: sizing config is required", ErrInvalidConfig)
	}
	var doc struct {
		sizingParams
		PerSymbol map[string]sizingParams `json:"per_symbol"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("%w: sizing config: %v", ErrInvalidConfig, err)
	}
	if err := validateSizingParams(doc.sizingParams); err != nil {
		return cfg, err
	}
	cfg.Default = doc.sizingParams
	if len(doc.PerSymbol) > 0 {
		cfg.PerSymbol = make(map[string]sizingParams, len(doc.PerSymbol))
		for sym, p := range doc.PerSymbol {
			if err := validateSizingParams(p); err != nil {
				return cfg, fmt.Errorf("%w (symbol %s)", err, sym)
			}
			cfg.PerSymbol[strings.ToUpper(strings.TrimSpace(sym))] = p
		}
	}
	return cfg, nil
}

func validateSizingParams(p sizingParams) error {
	switch p.Type {
	case SizingFixed:
		if p.Quantity == nil || !p.Quantity.IsPositive() {
			return fmt.Errorf("%w: fixed sizing needs a positive quantity", ErrInvalidConfig)
		}
	case SizingPercent:
		if p.PercentOfPortfolio == nil || !p.PercentOfPortfolio.IsPositive() {
			return fmt.Errorf("%w: percent sizing needs a positive percent_of_portfolio", ErrInvalidConfig)
		}
	case SizingRiskBased:
		if p.RiskAmount == nil || !p.RiskAmount.IsPositive() {
			return fmt.Errorf("%w: risk_based sizing needs a positive risk_amount", ErrInvalidConfig)
		}
		if p.StopLossPercent == nil || !p.StopLossPercent.IsPositive() {
			return fmt.Errorf("%w: risk_based sizing needs a positive stop_loss_percent", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sizing type %q", ErrInvalidConfig, p.Type)
	}
	return nil
}

// Resolve returns the quantity (whole units) and, for risk-based sizing,
// the stop-loss price for a new entry at the given last price.
func (c SizingConfig) Resolve(symbol string, price, portfolioValue decimal.Decimal) (decimal.Decimal, *decimal.Decimal, error) {
	p := c.Default
	if override, ok := c.PerSymbol[symbol]; ok {
		p = override
	}
	if !price.IsPositive() {
		return decimal.Zero, nil, nil
	}
	switch p.Type {
	case SizingFixed:
		return p.Quantity.Truncate(0), nil, nil
	case SizingPercent:
		pct := p.PercentOfPortfolio.Div(decimal.NewFromInt(100))
		qty := portfolioValue.Mul(pct).Div(price).Truncate(0)
		return qty, nil, nil
	case SizingRiskBased:
		stopDistance := price.Mul(p.StopLossPercent.Div(decimal.NewFromInt(100)))
		if !stopDistance.IsPositive() {
			return decimal.Zero, nil, nil
		}
		qty := p.RiskAmount.Div(stopDistance).Truncate(0)
		stop := price.Sub(stopDistance)
		return qty, &stop, nil
	}
	return decimal.Zero, nil, fmt.Errorf("%w: unknown sizing type %q", ErrInvalidConfig, p.Type)
}
