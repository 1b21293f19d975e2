package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/model"
	"github.com/aegisshield/telemetry-rules-engine/internal/parser"
)

const sampleDoc = `
version: 1
rules:
  - name: overheat
    description: furnace running hot
    conditions:
      all:
        - condition:
            source: input:temperature
            op: ">"
            value: 90
        - any:
            - condition:
                expr: "input__pressure > 10"
            - condition:
                source: input:humidity
                op: "<"
                threshold: 5
                duration_ms: 2000
    actions:
      - set_value:
          key: output:overheat
          value: 1
      - send_message:
          channel: alerts
          message: "furnace overheating"
`

func TestParseBytes(t *testing.T) {
	doc, err := parser.ParseBytes([]byte(sampleDoc))
	require.NoError(t, err)
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, "overheat", doc.Rules[0].Name)
}

func TestParseBytes_MissingRulesKey(t *testing.T) {
	_, err := parser.ParseBytes([]byte("version: 1\n"))
	assert.Error(t, err)
}

func TestParseSerializeParse_RoundTrip(t *testing.T) {
	doc, err := parser.ParseBytes([]byte(sampleDoc))
	require.NoError(t, err)

	serialized, err := parser.Serialize(doc)
	require.NoError(t, err)

	reparsed, err := parser.ParseBytes(serialized)
	require.NoError(t, err)

	require.Len(t, reparsed.Rules, 1)
	r := reparsed.Rules[0]
	assert.Equal(t, doc.Rules[0].Name, r.Name)
	assert.Equal(t, doc.Rules[0].Description, r.Description)
	require.Len(t, r.Conditions.All, 2)

	cmp, ok := r.Conditions.All[0].(*model.Comparison)
	require.True(t, ok)
	assert.Equal(t, model.OpGT, cmp.Op)
	assert.Equal(t, 90.0, cmp.Value)

	nested, ok := r.Conditions.All[1].(*model.ConditionGroup)
	require.True(t, ok)
	require.Len(t, nested.Any, 2)
}
