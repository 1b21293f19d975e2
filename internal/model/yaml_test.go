package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

func TestDocument_UnmarshalYAML_SimpleComparison(t *testing.T) {
	src := `
version: 1
rules:
  - name: high_temp
    description: fires when the furnace overheats
    conditions:
      condition:
        source: input:temperature
        op: ">"
        value: 90
    actions:
      - set_value:
          key: output:overheat
          value: 1
`
	var doc model.Document
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.Len(t, doc.Rules, 1)

	r := doc.Rules[0]
	assert.Equal(t, "high_temp", r.Name)
	require.Len(t, r.Conditions.All, 1)

	cmp, ok := r.Conditions.All[0].(*model.Comparison)
	require.True(t, ok)
	assert.Equal(t, "input:temperature", cmp.Source)
	assert.Equal(t, model.OpGT, cmp.Op)
	assert.Equal(t, 90.0, cmp.Value)

	require.Len(t, r.Actions, 1)
	sv, ok := r.Actions[0].(*model.SetValue)
	require.True(t, ok)
	assert.Equal(t, "output:overheat", sv.Key)
	require.NotNil(t, sv.Value)
	assert.Equal(t, 1.0, *sv.Value)
}

func TestDocument_UnmarshalYAML_OperatorAliases(t *testing.T) {
	src := `
version: 1
rules:
  - name: alias_rule
    conditions:
      condition:
        source: input:pressure
        op: "eq"
        value: 5
    actions:
      - send_message:
          channel: alerts
          message: pressure nominal
`
	var doc model.Document
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	cmp := doc.Rules[0].Conditions.All[0].(*model.Comparison)
	assert.Equal(t, model.OpEQ, cmp.Op)
}

func TestDocument_UnmarshalYAML_NestedAnyGroup(t *testing.T) {
	src := `
version: 1
rules:
  - name: nested
    conditions:
      all:
        - condition:
            source: input:a
            op: ">"
            value: 1
        - any:
            - condition:
                source: input:b
                op: "<"
                value: 0
            - condition:
                expr: "input__c > 2"
    actions:
      - set_value:
          key: output:x
          value: 1
`
	var doc model.Document
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	all := doc.Rules[0].Conditions.All
	require.Len(t, all, 2)
	nested, ok := all[1].(*model.ConditionGroup)
	require.True(t, ok)
	require.Len(t, nested.Any, 2)
}

func TestDocument_UnmarshalYAML_RejectsUnknownKey(t *testing.T) {
	src := `
version: 1
rules:
  - name: bad
    bogus_field: true
    conditions:
      condition:
        source: input:a
        op: ">"
        value: 1
    actions:
      - set_value:
          key: output:x
          value: 1
`
	var doc model.Document
	err := yaml.Unmarshal([]byte(src), &doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus_field")
}

func TestDocument_UnmarshalYAML_RejectsSetValueWithBothForms(t *testing.T) {
	src := `
version: 1
rules:
  - name: bad
    conditions:
      condition:
        source: input:a
        op: ">"
        value: 1
    actions:
      - set_value:
          key: output:x
          value: 1
          value_expression: "input__a + 1"
`
	var doc model.Document
	err := yaml.Unmarshal([]byte(src), &doc)
	require.Error(t, err)
}

func TestDocument_UnmarshalYAML_RejectsThresholdOverTimeEquality(t *testing.T) {
	src := `
version: 1
rules:
  - name: bad
    conditions:
      condition:
        source: input:a
        op: "=="
        duration_ms: 5000
        threshold: 1
    actions:
      - set_value:
          key: output:x
          value: 1
`
	var doc model.Document
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	c := doc.Rules[0].Conditions.All[0].(*model.ThresholdOverTime)
	assert.Error(t, c.Op.Validate())
}
