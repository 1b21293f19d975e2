package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/analyze"
	"github.com/aegisshield/telemetry-rules-engine/internal/emit"
	"github.com/aegisshield/telemetry-rules-engine/internal/eval"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/metrics"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
	"github.com/aegisshield/telemetry-rules-engine/internal/temporal"
)

type memStore struct {
	values map[string]float64
}

func (m *memStore) GetValues(_ context.Context, keys []string) (map[string]float64, error) {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memStore) SetValues(_ context.Context, values map[string]float64) error {
	if m.values == nil {
		m.values = make(map[string]float64)
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *memStore) Publish(_ context.Context, _, _ string) error      { return nil }
func (m *memStore) Ping(_ context.Context) error                      { return nil }
func (m *memStore) SentinelMaster(_ context.Context) (string, error)  { return "", nil }
func (m *memStore) Close() error                                      { return nil }

func buildArtifact(t *testing.T) *emit.Artifact {
	t.Helper()
	val := 1.0
	doc := &model.Document{
		Version: 1,
		Rules: []*model.Rule{
			{
				Name: "derive",
				Conditions: &model.ConditionGroup{
					All: []model.Condition{&model.Comparison{Source: "input:a", Op: model.OpGT, Value: 0}},
				},
				Actions: []model.Action{&model.SetValue{Key: "mid:b", Value: &val}},
			},
			{
				Name: "consume",
				Conditions: &model.ConditionGroup{
					All: []model.Condition{&model.Comparison{Source: "mid:b", Op: model.OpGT, Value: 0}},
				},
				Actions: []model.Action{&model.SetValue{Key: "output:c", Value: &val}},
			},
		},
	}
	cache := exprlang.NewCache()
	layering, err := analyze.Compute(doc.Rules, cache, analyze.DefaultBudgets)
	require.NoError(t, err)
	return emit.Emit(doc, layering)
}

func TestCycle_EvaluateArtifact_LaterLayerSeesEarlierWrites(t *testing.T) {
	art := buildArtifact(t)
	store := &memStore{values: map[string]float64{"input:a": 1}}
	exprCache := exprlang.NewCache()
	evaluator := eval.New(exprCache, temporal.NewStore(10, 0))
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	c := NewCycle(time.Second, art, store, evaluator, exprCache, logger, metrics.NewRegistry(), nil)
	require.NoError(t, c.evaluateArtifact(context.Background(), art, time.Now()))

	assert.Equal(t, 1.0, store.values["mid:b"])
	assert.Equal(t, 1.0, store.values["output:c"], "consume must see derive's write within the same cycle")
}

func TestCycle_EvaluateArtifact_NoMatchNoWrite(t *testing.T) {
	art := buildArtifact(t)
	store := &memStore{values: map[string]float64{"input:a": -1}}
	exprCache := exprlang.NewCache()
	evaluator := eval.New(exprCache, temporal.NewStore(10, 0))
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	c := NewCycle(time.Second, art, store, evaluator, exprCache, logger, metrics.NewRegistry(), nil)
	require.NoError(t, c.evaluateArtifact(context.Background(), art, time.Now()))

	_, hasB := store.values["mid:b"]
	assert.False(t, hasB)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
