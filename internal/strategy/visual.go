package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

// Visual rule graphs are flat block lists linked by parent_block_id. Leaf
// blocks hold a condition; parent blocks only group. Siblings are evaluated
// left-to-right by block order, each joined to the running result with its
// own and/or connective.
const (
	ruleRoleEntry = "entry"
	ruleRoleExit  = "exit"

	ruleLogicAnd = "and"
	ruleLogicOr  = "or"
)

type ruleBlock struct {
	ID            string   `json:"id"`
	ParentBlockID string   `json:"parent_block_id"`
	Role          string   `json:"role"`
	Logic         string   `json:"logic"`
	Order         int      `json:"order"`
	Field         string   `json:"field"`
	Operator      string   `json:"operator"`
	Value         *float64 `json:"value"`

	children []*ruleBlock
}

type visualRule struct {
	entry []*ruleBlock
	exit  []*ruleBlock
}

func newVisualRule(raw datatypes.JSON) (*visualRule, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: visual strategy needs a rule graph", ErrInvalidConfig)
	}
	var doc struct {
		Blocks []*ruleBlock `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: rule graph: %v", ErrInvalidConfig, err)
	}
	if len(doc.Blocks) == 0 {
		return nil, fmt.Errorf("%w: rule graph has no blocks", ErrInvalidConfig)
	}

	byID := make(map[string]*ruleBlock, len(doc.Blocks))
	for _, b := range doc.Blocks {
		if b.ID == "" {
			return nil, fmt.Errorf("%w: rule block without id", ErrInvalidConfig)
		}
		if _, dup := byID[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule block id %q", ErrInvalidConfig, b.ID)
		}
		byID[b.ID] = b
	}

	r := &visualRule{}
	for _, b := range doc.Blocks {
		if b.ParentBlockID == "" {
			switch b.Role {
			case ruleRoleEntry:
				r.entry = append(r.entry, b)
			case ruleRoleExit:
				r.exit = append(r.exit, b)
			default:
				return nil, fmt.Errorf("%w: root block %q has role %q", ErrInvalidConfig, b.ID, b.Role)
			}
			continue
		}
		parent, ok := byID[b.ParentBlockID]
		if !ok {
			return nil, fmt.Errorf("%w: block %q references unknown parent %q", ErrInvalidConfig, b.ID, b.ParentBlockID)
		}
		if parent == b {
			return nil, fmt.Errorf("%w: block %q is its own parent", ErrInvalidConfig, b.ID)
		}
		parent.children = append(parent.children, b)
	}
	if len(r.entry) == 0 {
		return nil, fmt.Errorf("%w: rule graph has no entry blocks", ErrInvalidConfig)
	}

	for _, b := range doc.Blocks {
		sort.SliceStable(b.children, func(i, j int) bool { return b.children[i].Order < b.children[j].Order })
		if err := validateBlock(b); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(r.entry, func(i, j int) bool { return r.entry[i].Order < r.entry[j].Order })
	sort.SliceStable(r.exit, func(i, j int) bool { return r.exit[i].Order < r.exit[j].Order })
	return r, nil
}

func validateBlock(b *ruleBlock) error {
	if len(b.children) > 0 {
		return nil
	}
	switch b.Operator {
	case "gt", "gte", "lt", "lte", "eq", "neq":
	default:
		return fmt.Errorf("%w: block %q has unknown operator %q", ErrInvalidConfig, b.ID, b.Operator)
	}
	if strings.TrimSpace(b.Field) == "" {
		return fmt.Errorf("%w: block %q has no field", ErrInvalidConfig, b.ID)
	}
	if b.Value == nil {
		return fmt.Errorf("%w: block %q has no comparison value", ErrInvalidConfig, b.ID)
	}
	return nil
}

func (r *visualRule) evalSymbol(_ context.Context, env symbolEnv) (bool, bool, error) {
	entry, err := evalBlocks(r.entry, env)
	if err != nil {
		return false, false, err
	}
	exit := false
	if env.HasPosition && len(r.exit) > 0 {
		exit, err = evalBlocks(r.exit, env)
		if err != nil {
			return false, false, err
		}
	}
	return entry, exit, nil
}

func evalBlocks(blocks []*ruleBlock, env symbolEnv) (bool, error) {
	result := false
	for i, b := range blocks {
		v, err := evalBlock(b, env)
		if err != nil {
			return false, err
		}
		if i == 0 {
			result = v
			continue
		}
		if b.Logic == ruleLogicOr {
			result = result || v
		} else {
			result = result && v
		}
	}
	return result, nil
}

func evalBlock(b *ruleBlock, env symbolEnv) (bool, error) {
	if len(b.children) > 0 {
		return evalBlocks(b.children, env)
	}
	field, ok := fieldValue(b.Field, env)
	if !ok {
		// Missing indicator data fails the condition instead of
		// aborting the pass.
		return false, nil
	}
	want := *b.Value
	switch b.Operator {
	case "gt":
		return field > want, nil
	case "gte":
		return field >= want, nil
	case "lt":
		return field < want, nil
	case "lte":
		return field <= want, nil
	case "eq":
		return field == want, nil
	case "neq":
		return field != want, nil
	}
	return false, fmt.Errorf("unknown operator %q", b.Operator)
}

func fieldValue(field string, env symbolEnv) (float64, bool) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "price":
		return env.Price.InexactFloat64(), true
	case "volume":
		return env.Volume.InexactFloat64(), true
	case "position_qty":
		return env.PositionQty.InexactFloat64(), true
	case "avg_cost":
		return env.AvgCost.InexactFloat64(), true
	}
	v, ok := env.Indicators[field]
	return v, ok
}
