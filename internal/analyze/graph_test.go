package analyze_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/analyze"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

func comparisonRule(name, readKey, writeKey string) *model.Rule {
	val := 1.0
	return &model.Rule{
		Name: name,
		Conditions: &model.ConditionGroup{
			All: []model.Condition{&model.Comparison{Source: readKey, Op: model.OpGT, Value: 0}},
		},
		Actions: []model.Action{&model.SetValue{Key: writeKey, Value: &val}},
	}
}

func TestDetectCycle_NoCycle(t *testing.T) {
	rules := []*model.Rule{
		comparisonRule("a", "input:x", "mid:a"),
		comparisonRule("b", "mid:a", "output:b"),
	}
	assert.Nil(t, analyze.DetectCycle(rules))
}

func TestDetectCycle_FindsCycle(t *testing.T) {
	rules := []*model.Rule{
		comparisonRule("a", "mid:b", "mid:a"),
		comparisonRule("b", "mid:a", "mid:b"),
	}
	cyc := analyze.DetectCycle(rules)
	require.NotNil(t, cyc)
	assert.Contains(t, cyc, "a")
	assert.Contains(t, cyc, "b")
}

func TestMultiProducerKeys(t *testing.T) {
	rules := []*model.Rule{
		comparisonRule("a", "input:x", "output:shared"),
		comparisonRule("b", "input:y", "output:shared"),
	}
	multi := analyze.MultiProducerKeys(rules)
	require.Contains(t, multi, "output:shared")
	assert.ElementsMatch(t, []string{"a", "b"}, multi["output:shared"])
}

func TestCompute_LayersByDependency(t *testing.T) {
	rules := []*model.Rule{
		comparisonRule("stage2", "mid:a", "output:final"),
		comparisonRule("stage1", "input:x", "mid:a"),
		comparisonRule("independent", "input:y", "output:other"),
	}
	cache := exprlang.NewCache()
	layering, err := analyze.Compute(rules, cache, analyze.DefaultBudgets)
	require.NoError(t, err)
	require.Len(t, layering.Layers, 2)

	layer0Names := ruleNames(layering.Layers[0])
	layer1Names := ruleNames(layering.Layers[1])
	assert.ElementsMatch(t, []string{"stage1", "independent"}, layer0Names)
	assert.ElementsMatch(t, []string{"stage2"}, layer1Names)

	for _, r := range rules {
		if r.Name == "stage1" {
			assert.Equal(t, 0, r.Layer)
		}
		if r.Name == "stage2" {
			assert.Equal(t, 1, r.Layer)
		}
	}
}

func TestCompute_RejectsCycles(t *testing.T) {
	rules := []*model.Rule{
		comparisonRule("a", "mid:b", "mid:a"),
		comparisonRule("b", "mid:a", "mid:b"),
	}
	cache := exprlang.NewCache()
	_, err := analyze.Compute(rules, cache, analyze.DefaultBudgets)
	assert.Error(t, err)
}

func TestCompute_RespectsGroupBudget(t *testing.T) {
	var rules []*model.Rule
	for i := 0; i < 25; i++ {
		rules = append(rules, comparisonRule(string(rune('a'+i)), "input:x", "output:"+string(rune('a'+i))))
	}
	cache := exprlang.NewCache()
	layering, err := analyze.Compute(rules, cache, analyze.Budgets{MaxRulesPerGroup: 10, MaxSourceLinesPerGroup: 10_000})
	require.NoError(t, err)
	require.Len(t, layering.Layers, 1)
	for _, g := range layering.Layers[0].Groups {
		assert.LessOrEqual(t, len(g.Rules), 10)
	}
}

func ruleNames(l analyze.Layer) []string {
	var out []string
	for _, g := range l.Groups {
		for _, r := range g.Rules {
			out = append(out, r.Name)
		}
	}
	return out
}
