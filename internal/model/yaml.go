package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseError carries the source location of a schema or syntax failure —
// file path and line — so parser failures are actionable rather than a
// bare "invalid document" message.
type ParseError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

func newParseErr(n *yaml.Node, format string, args ...any) *ParseError {
	return &ParseError{Line: n.Line, Column: n.Column, Message: fmt.Sprintf(format, args...)}
}

// strictFields checks every mapping key of n against allowed, returning a
// *ParseError for the first key not in the set. It decodes nothing itself.
// This is what makes the parser "schema-strict": unknown keys fail
// instead of being silently ignored, which gopkg.in/yaml.v3's default
// decode-into-struct behavior does not give us.
func strictFields(n *yaml.Node, allowed map[string]bool) error {
	if n.Kind != yaml.MappingNode {
		return newParseErr(n, "expected a mapping")
	}
	for i := 0; i < len(n.Content); i += 2 {
		key := n.Content[i]
		if !allowed[key.Value] {
			return newParseErr(key, "unknown field %q", key.Value)
		}
	}
	return nil
}

func findKey(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// UnmarshalYAML decodes a Condition entry. The source grammar is:
//
//	{ condition: { source/expr/..., op, value } }   -- a leaf
//	{ all: [...], any: [...] }                      -- a nested group
//
// The method lives on *ConditionGroup rather than a free function because a
// "Condition" slot in the document can itself be a nested group.
func (g *ConditionGroup) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return newParseErr(n, "expected a mapping for a condition/group")
	}

	if leaf := findKey(n, "condition"); leaf != nil {
		if err := strictFields(n, map[string]bool{"condition": true}); err != nil {
			return err
		}
		cond, err := decodeCondition(leaf)
		if err != nil {
			return err
		}
		g.Leaf = cond
		return nil
	}

	if err := strictFields(n, map[string]bool{"all": true, "any": true}); err != nil {
		return err
	}

	if all := findKey(n, "all"); all != nil {
		conds, err := decodeConditionList(all)
		if err != nil {
			return err
		}
		g.All = conds
	}
	if any := findKey(n, "any"); any != nil {
		conds, err := decodeConditionList(any)
		if err != nil {
			return err
		}
		g.Any = conds
	}
	if g.All == nil && g.Any == nil {
		return newParseErr(n, "condition group must have at least one of 'all' or 'any'")
	}
	return nil
}

func decodeConditionList(n *yaml.Node) ([]Condition, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, newParseErr(n, "expected a sequence of conditions")
	}
	out := make([]Condition, 0, len(n.Content))
	for _, item := range n.Content {
		var group ConditionGroup
		if err := group.UnmarshalYAML(item); err != nil {
			return nil, err
		}
		if group.Leaf != nil {
			out = append(out, group.Leaf)
		} else {
			out = append(out, &group)
		}
	}
	return out, nil
}

// conditionTag lets a *ConditionGroup stand in for a Condition when a
// nested group appears inside an all/any list.
func (g *ConditionGroup) conditionTag() string { return "group" }

func decodeCondition(n *yaml.Node) (Condition, error) {
	if _, ok := findKeyOK(n, "duration_ms"); ok {
		var c ThresholdOverTime
		if err := strictDecode(n, map[string]bool{"source": true, "op": true, "threshold": true, "duration_ms": true}, &c); err != nil {
			return nil, err
		}
		if canon, ok := CanonicalizeOp(string(c.Op)); ok {
			c.Op = TemporalOp(canon)
		}
		return &c, nil
	}
	if _, ok := findKeyOK(n, "expr"); ok {
		var c Expression
		if err := strictDecode(n, map[string]bool{"expr": true}, &c); err != nil {
			return nil, err
		}
		return &c, nil
	}
	if _, ok := findKeyOK(n, "source"); ok {
		var c Comparison
		if err := strictDecode(n, map[string]bool{"source": true, "op": true, "value": true}, &c); err != nil {
			return nil, err
		}
		if canon, ok := CanonicalizeOp(string(c.Op)); ok {
			c.Op = ComparisonOp(canon)
		}
		return &c, nil
	}
	return nil, newParseErr(n, "condition has no recognizable variant (expected source/expr/duration_ms)")
}

func findKeyOK(n *yaml.Node, key string) (*yaml.Node, bool) {
	v := findKey(n, key)
	return v, v != nil
}

func strictDecode(n *yaml.Node, allowed map[string]bool, out any) error {
	if err := strictFields(n, allowed); err != nil {
		return err
	}
	return n.Decode(out)
}

// unmarshalAction decodes a single Action entry, enforcing that exactly one
// of set_value / send_message is present and no other key is.
func unmarshalAction(n *yaml.Node) (Action, error) {
	if n.Kind != yaml.MappingNode {
		return nil, newParseErr(n, "expected a mapping for an action")
	}
	if err := strictFields(n, map[string]bool{"set_value": true, "send_message": true}); err != nil {
		return nil, err
	}
	sv, hasSV := findKeyOK(n, "set_value")
	sm, hasSM := findKeyOK(n, "send_message")
	switch {
	case hasSV && hasSM:
		return nil, newParseErr(n, "action must have exactly one of 'set_value' or 'send_message', found both")
	case hasSV:
		var a SetValue
		if err := strictDecode(sv, map[string]bool{"key": true, "value": true, "value_expression": true}, &a); err != nil {
			return nil, err
		}
		if (a.Value == nil) == (a.ValueExpression == "") {
			return nil, newParseErr(sv, "set_value must have exactly one of 'value' or 'value_expression'")
		}
		return &a, nil
	case hasSM:
		var a SendMessage
		if err := strictDecode(sm, map[string]bool{"channel": true, "message": true}, &a); err != nil {
			return nil, err
		}
		return &a, nil
	default:
		return nil, newParseErr(n, "action must have exactly one of 'set_value' or 'send_message'")
	}
}

// rawRuleFields holds Rule's two scalar YAML fields. Rule.UnmarshalYAML
// does not use it; it decodes name and description from their nodes.
type rawRuleFields struct {
	Name        string
	Description string
}

// UnmarshalYAML decodes a Rule, rejecting unknown top-level keys.
func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	if err := strictFields(n, map[string]bool{
		"name": true, "description": true, "conditions": true, "actions": true,
	}); err != nil {
		return err
	}

	nameNode := findKey(n, "name")
	if nameNode == nil {
		return newParseErr(n, "rule missing required field 'name'")
	}
	if err := nameNode.Decode(&r.Name); err != nil {
		return err
	}
	if descNode := findKey(n, "description"); descNode != nil {
		if err := descNode.Decode(&r.Description); err != nil {
			return err
		}
	}

	condNode := findKey(n, "conditions")
	if condNode == nil {
		return newParseErr(n, "rule %q missing required field 'conditions'", r.Name)
	}
	var group ConditionGroup
	if err := group.UnmarshalYAML(condNode); err != nil {
		return err
	}
	if group.Leaf != nil {
		// A bare leaf condition at the rule's top level is wrapped into an
		// implicit all-group of one, so downstream code only ever deals
		// with ConditionGroup.All/Any.
		group.All = []Condition{group.Leaf}
		group.Leaf = nil
	}
	r.Conditions = &group

	actionsNode := findKey(n, "actions")
	if actionsNode == nil {
		return newParseErr(n, "rule %q missing required field 'actions'", r.Name)
	}
	if actionsNode.Kind != yaml.SequenceNode {
		return newParseErr(actionsNode, "rule %q: 'actions' must be a sequence", r.Name)
	}
	r.Actions = make([]Action, 0, len(actionsNode.Content))
	for _, item := range actionsNode.Content {
		a, err := unmarshalAction(item)
		if err != nil {
			return err
		}
		r.Actions = append(r.Actions, a)
	}

	return nil
}
