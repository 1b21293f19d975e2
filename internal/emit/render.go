// Package emit turns a validated, layered rule set into an executable
// artifact: a manifest plus the fully resolved rule groups, serialized to
// disk so the compiler and runtime — separate processes — can hand off
// state by file alone.
package emit

import (
	"fmt"
	"strings"

	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

// RenderCondition renders a Condition (or ConditionGroup) to a minimal
// string form: comparison binds tighter than AND, which binds tighter
// than OR; OR groups get parentheses, AND chains do not. This is purely
// descriptive — the runtime evaluator walks the AST directly and never
// re-parses this string — it exists for manifest readability.
func RenderCondition(c model.Condition) string {
	switch v := c.(type) {
	case *model.Comparison:
		return fmt.Sprintf("%s %s %s", v.Source, v.Op, formatFloat(v.Value))
	case *model.Expression:
		return v.Expr
	case *model.ThresholdOverTime:
		return fmt.Sprintf("threshold_over_time(%s, %s, %s, %dms)", v.Source, v.Op, formatFloat(v.Threshold), v.DurationMS)
	case *model.ConditionGroup:
		return RenderGroup(v)
	default:
		return fmt.Sprintf("<unrenderable %T>", c)
	}
}

// RenderGroup renders a ConditionGroup as AND(all) AND OR(any), matching
// the evaluation semantics in eval.EvaluateGroup: both families must hold
// when both are present.
func RenderGroup(g *model.ConditionGroup) string {
	if g.Leaf != nil {
		return RenderCondition(g.Leaf)
	}

	var parts []string
	if len(g.All) > 0 {
		parts = append(parts, renderAll(g.All))
	}
	if len(g.Any) > 0 {
		parts = append(parts, renderAny(g.Any))
	}
	if len(parts) == 0 {
		return "false" // empty groups evaluate to false
	}
	return strings.Join(parts, " AND ")
}

// renderAll joins comparisons/expressions/thresholds with AND and never
// parenthesizes the chain: "a > 1 AND b < 2 AND c == 3". A nested group
// needs no extra parentheses here, since renderAny already wraps its OR.
func renderAll(conds []model.Condition) string {
	rendered := make([]string, len(conds))
	for i, c := range conds {
		rendered[i] = RenderCondition(c)
	}
	return strings.Join(rendered, " AND ")
}

// renderAny joins its members with OR and parenthesizes the whole
// disjunction, since an OR group appearing inside an AND chain would
// otherwise bind incorrectly: "(a > 1 OR b > 2)".
func renderAny(conds []model.Condition) string {
	rendered := make([]string, len(conds))
	for i, c := range conds {
		rendered[i] = RenderCondition(c)
	}
	return "(" + strings.Join(rendered, " OR ") + ")"
}

func formatFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", f), "0"), ".")
}
