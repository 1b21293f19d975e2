// Package parser reads a rule document from YAML into the model.Document
// AST. Parsing is schema-strict: unknown keys fail, and it never evaluates
// expressions — that is package exprlang's job, invoked by the validator,
// the analyzer and the runtime.
package parser

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

// Parse reads and decodes a rule document from path.
func Parse(path string) (*model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule document %s: %w", path, err)
	}
	doc, err := ParseBytes(data)
	if err != nil {
		if pe, ok := err.(*model.ParseError); ok {
			pe.File = path
			return nil, pe
		}
		return nil, fmt.Errorf("parsing rule document %s: %w", path, err)
	}
	return doc, nil
}

// ParseBytes decodes a rule document already read into memory. Kept
// separate from Parse so tests can exercise the grammar without touching
// the filesystem. Unknown top-level keys are rejected.
func ParseBytes(data []byte) (*model.Document, error) {
	var doc model.Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc.Rules == nil {
		return nil, fmt.Errorf("rule document has no 'rules' key")
	}
	return &doc, nil
}

// Serialize renders a Document back to YAML. Used by the round-trip test
// (parse, serialize, parse again should be idempotent up to normalization).
func Serialize(doc *model.Document) ([]byte, error) {
	return yaml.Marshal(serializableDocument(doc))
}

// serializableDocument rebuilds a plain-data mirror of Document whose
// fields yaml.v3 can marshal directly, since Condition/Action are
// interfaces and yaml.v3 cannot marshal an interface value without knowing
// the concrete type up front.
func serializableDocument(doc *model.Document) map[string]any {
	rules := make([]map[string]any, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		rm := map[string]any{
			"name":       r.Name,
			"conditions": serializeGroup(r.Conditions),
			"actions":    serializeActions(r.Actions),
		}
		if r.Description != "" {
			rm["description"] = r.Description
		}
		rules = append(rules, rm)
	}
	return map[string]any{
		"version": doc.Version,
		"rules":   rules,
	}
}

func serializeGroup(g *model.ConditionGroup) map[string]any {
	out := map[string]any{}
	if len(g.All) > 0 {
		out["all"] = serializeConditions(g.All)
	}
	if len(g.Any) > 0 {
		out["any"] = serializeConditions(g.Any)
	}
	return out
}

func serializeConditions(conds []model.Condition) []any {
	out := make([]any, 0, len(conds))
	for _, c := range conds {
		if nested, ok := c.(*model.ConditionGroup); ok {
			out = append(out, serializeGroup(nested))
			continue
		}
		out = append(out, map[string]any{"condition": serializeCondition(c)})
	}
	return out
}

func serializeCondition(c model.Condition) map[string]any {
	switch v := c.(type) {
	case *model.Comparison:
		return map[string]any{"source": v.Source, "op": string(v.Op), "value": v.Value}
	case *model.Expression:
		return map[string]any{"expr": v.Expr}
	case *model.ThresholdOverTime:
		return map[string]any{
			"source": v.Source, "op": string(v.Op),
			"threshold": v.Threshold, "duration_ms": v.DurationMS,
		}
	default:
		return nil
	}
}

func serializeActions(actions []model.Action) []any {
	out := make([]any, 0, len(actions))
	for _, a := range actions {
		switch v := a.(type) {
		case *model.SetValue:
			sv := map[string]any{"key": v.Key}
			if v.Value != nil {
				sv["value"] = *v.Value
			} else {
				sv["value_expression"] = v.ValueExpression
			}
			out = append(out, map[string]any{"set_value": sv})
		case *model.SendMessage:
			out = append(out, map[string]any{
				"send_message": map[string]any{"channel": v.Channel, "message": v.Message},
			})
		}
	}
	return out
}
