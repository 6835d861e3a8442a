package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// codeRule runs user-supplied entry/exit expressions. The strategy code is
// a JSON document {"entry": <expr>, "exit": <expr>}; expressions are
// compiled once and run against a value-only environment, so user code has
// no I/O surface and no way to loop unbounded.
type codeRule struct {
	entry *vm.Program
	exit  *vm.Program
}

func newCodeRule(code string) (*codeRule, error) {
	var doc struct {
		Entry string `json:"entry"`
		Exit  string `json:"exit"`
	}
	if err := json.Unmarshal([]byte(code), &doc); err != nil {
		return nil, fmt.Errorf("%w: strategy code must be an {entry, exit} document: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(doc.Entry) == "" {
		return nil, fmt.Errorf("%w: strategy code needs an entry expression", ErrInvalidConfig)
	}
	r := &codeRule{}
	var err error
	r.entry, err = compileRule(doc.Entry)
	if err != nil {
		return nil, fmt.Errorf("%w: entry expression: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(doc.Exit) != "" {
		r.exit, err = compileRule(doc.Exit)
		if err != nil {
			return nil, fmt.Errorf("%w: exit expression: %v", ErrInvalidConfig, err)
		}
	}
	return r, nil
}

func compileRule(src string) (*vm.Program, error) {
	return expr.Compile(src,
		expr.Env(exprScope{}),
		expr.AsBool(),
	)
}

type exprScope struct {
	Symbol         string             `expr:"symbol"`
	Price          float64            `expr:"price"`
	Volume         float64            `expr:"volume"`
	Indicators     map[string]float64 `expr:"indicators"`
	HasPosition    bool               `expr:"has_position"`
	PositionQty    float64            `expr:"position_qty"`
	AvgCost        float64            `expr:"avg_cost"`
	PortfolioValue float64            `expr:"portfolio_value"`
}

func (r *codeRule) evalSymbol(_ context.Context, env symbolEnv) (bool, bool, error) {
	scope := exprScope{
		Symbol:         env.Symbol,
		Price:          env.Price.InexactFloat64(),
		Volume:         env.Volume.InexactFloat64(),
		Indicators:     env.Indicators,
		HasPosition:    env.HasPosition,
		PositionQty:    env.PositionQty.InexactFloat64(),
		AvgCost:        env.AvgCost.InexactFloat64(),
		PortfolioValue: env.PortfolioValue.InexactFloat64(),
	}
	if scope.Indicators == nil {
		scope.Indicators = map[string]float64{}
	}

	entry, err := runRule(r.entry, scope)
	if err != nil {
		return false, false, err
	}
	exit := false
	if r.exit != nil && env.HasPosition {
		exit, err = runRule(r.exit, scope)
		if err != nil {
			return false, false, err
		}
	}
	return entry, exit, nil
}

func runRule(prog *vm.Program, scope exprScope) (bool, error) {
	out, err := expr.Run(prog, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}
