// Package eval walks the rule AST against live sensor values each cycle.
// It dispatches on each Condition's concrete type rather than via
// reflection, and reads sensor history from package temporal for
// threshold_over_time conditions; actions are applied by package action.
package eval

import (
	"math"
	"time"

	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
	"github.com/aegisshield/telemetry-rules-engine/internal/temporal"
)

// epsilon is the tolerance used for == and != comparisons against
// floating-point sensor values, since exact equality on sampled telemetry
// is never reliable.
const epsilon = 1e-4

// Values is the read-only snapshot of sensor values a cycle evaluates
// against: the store's current values plus whatever earlier layers in the
// same cycle have already written.
type Values map[string]float64

// Evaluator holds the shared, cross-cycle state evaluation needs: the
// compiled-expression cache and the temporal sample history.
type Evaluator struct {
	Exprs    *exprlang.Cache
	Temporal *temporal.Store
}

// New builds an Evaluator around an existing expression cache and temporal
// store; both are shared across every cycle and every rule group.
func New(exprs *exprlang.Cache, temp *temporal.Store) *Evaluator {
	return &Evaluator{Exprs: exprs, Temporal: temp}
}

// EvaluateGroup implements AND(all) AND OR(any): every entry in All must
// hold, and at least one entry in Any must hold when Any is non-empty. An
// empty group (no All, no Any) evaluates to false — easy to get backwards,
// worth calling out explicitly.
func (e *Evaluator) EvaluateGroup(g *model.ConditionGroup, values Values, now time.Time) (bool, error) {
	if g.Leaf != nil {
		return e.Evaluate(g.Leaf, values, now)
	}
	if len(g.All) == 0 && len(g.Any) == 0 {
		return false, nil
	}
	for _, c := range g.All {
		ok, err := e.Evaluate(c, values, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(g.Any) == 0 {
		return true, nil
	}
	for _, c := range g.Any {
		ok, err := e.Evaluate(c, values, now)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Evaluate dispatches a single Condition to its concrete evaluator.
func (e *Evaluator) Evaluate(c model.Condition, values Values, now time.Time) (bool, error) {
	switch v := c.(type) {
	case *model.Comparison:
		return e.evalComparison(v, values), nil
	case *model.Expression:
		return e.evalExpression(v, values)
	case *model.ThresholdOverTime:
		return e.evalThresholdOverTime(v, now), nil
	case *model.ConditionGroup:
		return e.EvaluateGroup(v, values, now)
	default:
		return false, nil
	}
}

// evalComparison implements comparison semantics: a missing sensor key
// makes the condition false rather than erroring, NaN never satisfies an
// ordering operator, and == / != use an epsilon tolerance.
func (e *Evaluator) evalComparison(c *model.Comparison, values Values) bool {
	actual, ok := values[c.Source]
	if !ok {
		return false
	}
	if math.IsNaN(actual) {
		return false
	}
	switch c.Op {
	case model.OpGT:
		return actual > c.Value
	case model.OpLT:
		return actual < c.Value
	case model.OpGE:
		return actual >= c.Value
	case model.OpLE:
		return actual <= c.Value
	case model.OpEQ:
		return math.Abs(actual-c.Value) <= epsilon
	case model.OpNE:
		return math.Abs(actual-c.Value) > epsilon
	default:
		return false
	}
}

// evalExpression compiles (via the shared cache) and runs an expr-lang
// condition. A missing identifier makes the expression false, matching
// comparison semantics; any other evaluation error propagates since it
// indicates a real bug (e.g. a type mismatch the validator should have
// caught) rather than routine missing telemetry.
func (e *Evaluator) evalExpression(v *model.Expression, values Values) (bool, error) {
	prog, err := e.Exprs.Compile(v.Expr)
	if err != nil {
		return false, err
	}
	result, missing, err := prog.Evaluate(values)
	if missing != "" {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, nil
	}
	return b, nil
}

// evalThresholdOverTime implements "sustained" semantics: every sample
// retained in the trailing window must satisfy op against threshold. An
// empty window (no samples yet, or the sensor has gone quiet longer than
// the window) evaluates to false, never true — "sustained" cannot be
// satisfied vacuously.
func (e *Evaluator) evalThresholdOverTime(v *model.ThresholdOverTime, now time.Time) bool {
	window := e.Temporal.Window(v.Source, time.Duration(v.DurationMS)*time.Millisecond, now)
	if len(window) == 0 {
		return false
	}
	for _, s := range window {
		if math.IsNaN(s.Value) {
			return false
		}
		if !satisfiesTemporal(v.Op, s.Value, v.Threshold) {
			return false
		}
	}
	return true
}

func satisfiesTemporal(op model.TemporalOp, actual, threshold float64) bool {
	switch op {
	case model.TOpGT:
		return actual > threshold
	case model.TOpLT:
		return actual < threshold
	case model.TOpGE:
		return actual >= threshold
	case model.TOpLE:
		return actual <= threshold
	default:
		return false
	}
}
