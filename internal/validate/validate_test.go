package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
	"github.com/aegisshield/telemetry-rules-engine/internal/parser"
	"github.com/aegisshield/telemetry-rules-engine/internal/validate"
)

func opts(sensors ...string) validate.Options {
	known := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		known[s] = true
	}
	return validate.Options{KnownSensors: known, SamplingPeriodMS: 1000}
}

func mustParse(t *testing.T, src string) *model.Document {
	t.Helper()
	doc, err := parser.ParseBytes([]byte(src))
	require.NoError(t, err)
	return doc
}

func TestValidate_Valid(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: ok
    conditions:
      condition:
        source: input:temperature
        op: ">"
        value: 90
    actions:
      - set_value:
          key: output:overheat
          value: 1
`)
	result := validate.Validate(doc, opts("input:temperature"), exprlang.NewCache())
	assert.True(t, result.OK)
	assert.Empty(t, result.Errors)
}

func TestValidate_UnknownSensor(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: bad
    conditions:
      condition:
        source: input:unknown
        op: ">"
        value: 1
    actions:
      - set_value:
          key: output:x
          value: 1
`)
	result := validate.Validate(doc, opts(), exprlang.NewCache())
	assert.False(t, result.OK)
	require.NotEmpty(t, result.Errors)
}

func TestValidate_ProducedKeyCountsAsKnown(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: producer
    conditions:
      condition:
        source: input:a
        op: ">"
        value: 0
    actions:
      - set_value:
          key: mid:derived
          value: 1
  - name: consumer
    conditions:
      condition:
        source: mid:derived
        op: ">"
        value: 0
    actions:
      - set_value:
          key: output:b
          value: 1
`)
	result := validate.Validate(doc, opts("input:a"), exprlang.NewCache())
	assert.True(t, result.OK)
}

func TestValidate_DuplicateRuleName(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: dup
    conditions:
      condition:
        source: input:a
        op: ">"
        value: 0
    actions:
      - set_value:
          key: output:a
          value: 1
  - name: dup
    conditions:
      condition:
        source: input:b
        op: ">"
        value: 0
    actions:
      - set_value:
          key: output:b
          value: 1
`)
	result := validate.Validate(doc, opts("input:a", "input:b"), exprlang.NewCache())
	assert.False(t, result.OK)
}

func TestValidate_MultiProducerSensor(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: a
    conditions:
      condition:
        source: input:a
        op: ">"
        value: 0
    actions:
      - set_value:
          key: output:shared
          value: 1
  - name: b
    conditions:
      condition:
        source: input:b
        op: ">"
        value: 0
    actions:
      - set_value:
          key: output:shared
          value: 2
`)
	result := validate.Validate(doc, opts("input:a", "input:b"), exprlang.NewCache())
	assert.False(t, result.OK)
}

func TestValidate_TemporalDurationExceedsPointBudget(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: too_long
    conditions:
      condition:
        source: input:a
        op: ">"
        threshold: 1
        duration_ms: 100000000000
    actions:
      - set_value:
          key: output:x
          value: 1
`)
	result := validate.Validate(doc, opts("input:a"), exprlang.NewCache())
	assert.False(t, result.OK)
}

func TestValidate_UnknownExpressionIdentifier(t *testing.T) {
	doc := mustParse(t, `
version: 1
rules:
  - name: expr_rule
    conditions:
      condition:
        expr: "input:unknown_sensor > 1"
    actions:
      - set_value:
          key: output:x
          value: 1
`)
	result := validate.Validate(doc, opts(), exprlang.NewCache())
	assert.False(t, result.OK)
}
