package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petec4244/ai3orchestrator/pkg/registry"
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
)

func newTestRegistry() *registry.Registry {
	reg := registry.New(24 * time.Hour)
	reg.Load(map[string]*registry.Capability{
		"a": {
			ID: "a", Provider: "anthropic",
			Skills: map[string]float64{"generate": 0.9}, ContextWindow: 200000,
			CostPer1K: 0.003, AvgLatencyMS: 1000, ErrorRate: 0.01,
		},
		"b": {
			ID: "b", Provider: "openai",
			Skills: map[string]float64{"generate": 0.5}, ContextWindow: 100000,
			CostPer1K: 0.01, AvgLatencyMS: 3000, ErrorRate: 0.05,
		},
	}, []string{"a", "b"})
	return reg
}

func TestSelect_PicksHigherScoring(t *testing.T) {
	r := New(newTestRegistry())
	d, err := r.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ProviderID)
}

func TestSelect_Deterministic(t *testing.T) {
	r := New(newTestRegistry())
	d1, _ := r.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	d2, _ := r.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	assert.Equal(t, d1, d2)
}

func TestSelect_ExcludesFailedProvider(t *testing.T) {
	r := New(newTestRegistry())
	d, err := r.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil, "a")
	require.NoError(t, err)
	assert.Equal(t, "b", d.ProviderID)
}

func TestSelect_EmptyRegistryFallsBack(t *testing.T) {
	r := New(registry.New(time.Hour))
	d, err := r.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, Decision{}, d)
}

func TestSelect_Override(t *testing.T) {
	r := New(newTestRegistry(), WithOverrides(map[task.Kind]string{task.KindGenerate: "b"}))
	d, err := r.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", d.ProviderID)
}

func TestSelect_ConsultsPersistedStatsBeforeAnyInProcessCalls(t *testing.T) {
	reg := registry.New(24 * time.Hour)
	reg.Load(map[string]*registry.Capability{
		"a": {ID: "a", Skills: map[string]float64{"generate": 0.6}, ContextWindow: 100000, AvgLatencyMS: 1000, ErrorRate: 0.05},
		"b": {ID: "b", Skills: map[string]float64{"generate": 0.9}, ContextWindow: 100000, AvgLatencyMS: 1000, ErrorRate: 0.05},
	}, []string{"a", "b"})

	// Without history, b's higher skill score wins.
	plain := New(reg)
	d, err := plain.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", d.ProviderID)

	// b's persisted cross-run history is all failures; before b has any
	// calls in this process's own rolling window, that history should
	// outweigh its skill advantage.
	collector := telemetry.New()
	for i := 0; i < 5; i++ {
		collector.RecordCall(telemetry.CallRecord{Provider: "b", Success: false, Latency: 9000 * time.Millisecond})
	}

	withStats := New(reg, WithStats(collector))
	d, err = withStats.Select(context.Background(), &task.Task{ID: "t1", Kind: task.KindGenerate}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ProviderID)
}

func TestWithWeights_RejectsBadSum(t *testing.T) {
	r := New(newTestRegistry(), WithWeights(Weights{Skill: 1, Performance: 1, Cost: 1, ContextFit: 1, Features: 1}))
	assert.Equal(t, DefaultWeights(), r.weights)
}
