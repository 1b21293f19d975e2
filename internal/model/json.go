package model

import (
	"encoding/json"
	"fmt"
)

// The JSON encoding of Condition/Action mirrors the YAML decoding in
// yaml.go: both are closed sum types with no reflection-based tag lookup,
// so (de)serialization to the artifact format uses an explicit "type" tag
// instead of relying on encoding/json's interface handling, which cannot
// round-trip an interface-typed field on its own.

type conditionWire struct {
	Type       string          `json:"type"`
	Source     string          `json:"source,omitempty"`
	Op         string          `json:"op,omitempty"`
	Value      float64         `json:"value,omitempty"`
	Expr       string          `json:"expr,omitempty"`
	Threshold  float64         `json:"threshold,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	All        []json.RawMessage `json:"all,omitempty"`
	Any        []json.RawMessage `json:"any,omitempty"`
}

func marshalConditions(conds []Condition) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(conds))
	for i, c := range conds {
		b, err := marshalCondition(c)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// MarshalJSON renders a ConditionGroup as either a tagged leaf (if Leaf is
// set) or a group with all/any.
func (g *ConditionGroup) MarshalJSON() ([]byte, error) {
	if g.Leaf != nil {
		return marshalCondition(g.Leaf)
	}
	all, err := marshalConditions(g.All)
	if err != nil {
		return nil, err
	}
	any, err := marshalConditions(g.Any)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionWire{Type: "group", All: all, Any: any})
}

// MarshalJSON implements the Condition leaf cases so they round-trip
// whether they appear at the top of a ConditionGroup or nested inside one.
func (v *Comparison) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionWire{Type: "comparison", Source: v.Source, Op: string(v.Op), Value: v.Value})
}

func (v *Expression) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionWire{Type: "expression", Expr: v.Expr})
}

func (v *ThresholdOverTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionWire{Type: "threshold_over_time", Source: v.Source, Op: string(v.Op), Threshold: v.Threshold, DurationMS: v.DurationMS})
}

func marshalCondition(c Condition) ([]byte, error) {
	switch v := c.(type) {
	case *Comparison:
		return v.MarshalJSON()
	case *Expression:
		return v.MarshalJSON()
	case *ThresholdOverTime:
		return v.MarshalJSON()
	case *ConditionGroup:
		return v.MarshalJSON()
	default:
		return nil, fmt.Errorf("cannot marshal condition of type %T", c)
	}
}

func unmarshalConditionList(raw []json.RawMessage) ([]Condition, error) {
	out := make([]Condition, len(raw))
	for i, r := range raw {
		c, err := unmarshalConditionJSON(r)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func unmarshalConditionJSON(data []byte) (Condition, error) {
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "comparison":
		return &Comparison{Source: w.Source, Op: ComparisonOp(w.Op), Value: w.Value}, nil
	case "expression":
		return &Expression{Expr: w.Expr}, nil
	case "threshold_over_time":
		return &ThresholdOverTime{Source: w.Source, Op: TemporalOp(w.Op), Threshold: w.Threshold, DurationMS: w.DurationMS}, nil
	case "group":
		all, err := unmarshalConditionList(w.All)
		if err != nil {
			return nil, err
		}
		any, err := unmarshalConditionList(w.Any)
		if err != nil {
			return nil, err
		}
		return &ConditionGroup{All: all, Any: any}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", w.Type)
	}
}

// UnmarshalJSON decodes a ConditionGroup from its wire form.
func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	c, err := unmarshalConditionJSON(data)
	if err != nil {
		return err
	}
	if group, ok := c.(*ConditionGroup); ok {
		*g = *group
		return nil
	}
	g.Leaf = c
	return nil
}

type actionWire struct {
	Type            string   `json:"type"`
	Key             string   `json:"key,omitempty"`
	Value           *float64 `json:"value,omitempty"`
	ValueExpression string   `json:"value_expression,omitempty"`
	Channel         string   `json:"channel,omitempty"`
	Message         string   `json:"message,omitempty"`
}

func marshalAction(a Action) ([]byte, error) {
	switch v := a.(type) {
	case *SetValue:
		return json.Marshal(actionWire{Type: "set_value", Key: v.Key, Value: v.Value, ValueExpression: v.ValueExpression})
	case *SendMessage:
		return json.Marshal(actionWire{Type: "send_message", Channel: v.Channel, Message: v.Message})
	default:
		return nil, fmt.Errorf("cannot marshal action of type %T", a)
	}
}

func unmarshalActionJSON(data []byte) (Action, error) {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "set_value":
		return &SetValue{Key: w.Key, Value: w.Value, ValueExpression: w.ValueExpression}, nil
	case "send_message":
		return &SendMessage{Channel: w.Channel, Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", w.Type)
	}
}

// ruleWire is Rule's JSON wire shape, with Conditions/Actions routed
// through the sum-type (de)serializers above.
type ruleWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Conditions  *ConditionGroup `json:"conditions"`
	Actions     []json.RawMessage `json:"actions"`
	Inputs      []string        `json:"inputs,omitempty"`
	Outputs     []string        `json:"outputs,omitempty"`
	Layer       int             `json:"layer"`
}

// MarshalJSON renders a Rule, including its analyzer-derived Inputs,
// Outputs and Layer, for the emitted artifact.
func (r *Rule) MarshalJSON() ([]byte, error) {
	actions := make([]json.RawMessage, len(r.Actions))
	for i, a := range r.Actions {
		b, err := marshalAction(a)
		if err != nil {
			return nil, err
		}
		actions[i] = b
	}
	return json.Marshal(ruleWire{
		Name: r.Name, Description: r.Description, Conditions: r.Conditions,
		Actions: actions, Inputs: r.Inputs, Outputs: r.Outputs, Layer: r.Layer,
	})
}

// UnmarshalJSON decodes a Rule from an emitted artifact.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Name, r.Description, r.Conditions = w.Name, w.Description, w.Conditions
	r.Inputs, r.Outputs, r.Layer = w.Inputs, w.Outputs, w.Layer
	r.Actions = make([]Action, len(w.Actions))
	for i, raw := range w.Actions {
		a, err := unmarshalActionJSON(raw)
		if err != nil {
			return err
		}
		r.Actions[i] = a
	}
	return nil
}
