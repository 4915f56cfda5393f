package conditions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/arbornet/arbor/internal/expressions"
	"github.com/arbornet/arbor/pkg/schema"
)

// Snapshot is the read-only working-memory view a condition evaluates
// against: the authoritative current value per dotted key, captured once
// at evaluation time.
type Snapshot map[string]any

// Lookup resolves a dotted path against the snapshot. The exact flat key
// wins; otherwise the longest present prefix is found and the remaining
// segments descend into its structured value.
func (s Snapshot) Lookup(key string) (any, bool) {
	if v, ok := s[key]; ok {
		return v, true
	}
	segs := strings.Split(key, ".")
	for i := len(segs) - 1; i > 0; i-- {
		prefix := strings.Join(segs[:i], ".")
		v, ok := s[prefix]
		if !ok {
			continue
		}
		return descend(v, segs[i:])
	}
	return nil, false
}

func descend(v any, segs []string) (any, bool) {
	for _, seg := range segs {
		m, ok := asStringMap(v)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case json.RawMessage:
		var out map[string]any
		if err := json.Unmarshal(m, &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// Nested rebuilds the snapshot's dotted keys into a nested map, used as
// the `memory` variable for expression-type conditions.
func (s Snapshot) Nested() map[string]any {
	root := make(map[string]any, len(s))
	for key, val := range s {
		segs := strings.Split(key, ".")
		cur := root
		for i, seg := range segs {
			if i == len(segs)-1 {
				cur[seg] = val
				break
			}
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg] = next
			}
			cur = next
		}
	}
	return root
}

// Evaluator resolves Conditions against memory snapshots. Operator
// conditions are evaluated inline; expression conditions delegate to the
// configured expression engines. Evaluation is side-effect free.
type Evaluator struct {
	engines map[string]expressions.Engine
}

// NewEvaluator creates an Evaluator with the expr engine registered and,
// when available, the CEL engine.
func NewEvaluator() *Evaluator {
	engines := map[string]expressions.Engine{
		"expr": expressions.NewExprEngine(),
	}
	// CEL is optional; expression conditions tagged `engine: cel` fail
	// with a clear error if the environment could not be built.
	if cel, err := expressions.NewCELEngine(); err == nil {
		engines["cel"] = cel
	}
	return &Evaluator{engines: engines}
}

// Evaluate returns the condition's boolean result. An absent key is
// false, not an error ("unknown implies not satisfied"); error is
// reserved for malformed conditions: unknown operators, non-boolean
// expressions, and type-incompatible comparisons.
func (e *Evaluator) Evaluate(ctx context.Context, cond *schema.Condition, snap Snapshot, runMeta map[string]any) (bool, error) {
	if cond == nil {
		return false, schema.NewError(schema.ErrCodeEvaluation, "nil condition")
	}

	switch cond.Type {
	case schema.ConditionTestResult, schema.ConditionObservationCheck:
		return e.evaluateOperator(cond, snap)
	case schema.ConditionExpression:
		return e.evaluateExpression(ctx, cond, snap, runMeta)
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"unknown condition type %q", cond.Type)
	}
}

func (e *Evaluator) evaluateOperator(cond *schema.Condition, snap Snapshot) (bool, error) {
	if cond.Key == "" {
		return false, schema.NewError(schema.ErrCodeEvaluation, "condition key is empty")
	}

	actual, ok := snap.Lookup(cond.Key)
	if !ok {
		return false, nil
	}

	switch cond.Operator {
	case schema.OpEquals:
		return looseEqual(actual, cond.Value), nil
	case schema.OpNotEquals:
		return !looseEqual(actual, cond.Value), nil
	case schema.OpGreaterThan, schema.OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false, schema.NewErrorf(schema.ErrCodeEvaluation,
				"operator %s requires numeric operands for key %q (got %T, %T)",
				cond.Operator, cond.Key, actual, cond.Value)
		}
		if cond.Operator == schema.OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case schema.OpContains:
		return evalContains(cond, actual)
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"unknown operator %q for key %q", cond.Operator, cond.Key)
	}
}

// evalContains applies to strings and ordered sequences only.
func evalContains(cond *schema.Condition, actual any) (bool, error) {
	switch a := actual.(type) {
	case string:
		needle, ok := cond.Value.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeEvaluation,
				"contains on string key %q requires a string value, got %T", cond.Key, cond.Value)
		}
		return strings.Contains(a, needle), nil
	case []any:
		for _, item := range a {
			if looseEqual(item, cond.Value) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, item := range a {
			if looseEqual(item, cond.Value) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"contains is not defined for %T at key %q", actual, cond.Key)
	}
}

func (e *Evaluator) evaluateExpression(ctx context.Context, cond *schema.Condition, snap Snapshot, runMeta map[string]any) (bool, error) {
	engineName := cond.Engine
	if engineName == "" {
		engineName = "expr"
	}
	engine, ok := e.engines[engineName]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression engine %q is not available", engineName)
	}

	data := map[string]any{
		"facts":  map[string]any(snap),
		"memory": snap.Nested(),
		"run":    runMeta,
	}
	out, err := engine.Evaluate(ctx, cond.Expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q must evaluate to bool, got %T", cond.Expression, out)
	}
	return b, nil
}

// looseEqual compares with numeric coercion so that 2 == 2.0 across
// JSON decoding boundaries, falling back to direct equality for
// comparable values.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		aj, errA := json.Marshal(a)
		bj, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(aj) == string(bj)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
