package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petec4244/ai3orchestrator/pkg/assembler"
	"github.com/petec4244/ai3orchestrator/pkg/journal"
	"github.com/petec4244/ai3orchestrator/pkg/limiter"
	"github.com/petec4244/ai3orchestrator/pkg/provider"
	"github.com/petec4244/ai3orchestrator/pkg/registry"
	"github.com/petec4244/ai3orchestrator/pkg/router"
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

// scriptedPlanner returns a fixed DAG regardless of input text, letting
// engine tests drive scheduling without an LLM round trip.
type scriptedPlanner struct {
	dag *task.DAG
	err error
}

func (p scriptedPlanner) Plan(ctx context.Context, userText string) (*task.DAG, error) {
	return p.dag, p.err
}

func newEngine(t *testing.T, dag *task.DAG) (*Engine, string) {
	t.Helper()

	reg := registry.New(0)
	reg.Load(map[string]*registry.Capability{
		"mock:test-model": {
			Provider:      "mock",
			Skills:        map[string]float64{"text-generation": 0.9},
			ContextWindow: 8000,
			CostPer1K:     0,
			AvgLatencyMS:  100,
		},
	}, []string{"mock:test-model"})

	r := router.New(reg)
	lim := limiter.New(5, 3)
	factory := provider.NewFactory(func(provider.Kind) string { return "" })
	v := verifier.New(nil)
	collector := telemetry.New()
	asm := assembler.New(assembler.Concatenate)

	dir := t.TempDir()
	j, err := journal.New(dir)
	require.NoError(t, err)

	eng := New(Deps{
		Registry:    reg,
		Router:      r,
		Limiter:     lim,
		Factory:     factory,
		Verifier:    v,
		Collector:   collector,
		Journal:     j,
		Assembler:   asm,
		Planner:     scriptedPlanner{dag: dag},
		RepairLimit: 1,
	})
	return eng, dir
}

func linearDAG(t *testing.T) *task.DAG {
	t.Helper()
	dag, err := task.New(
		[]*task.Task{
			{ID: "t1", Kind: task.KindGenerate, Description: "draft a paragraph"},
			{ID: "t2", Kind: task.KindSummarize, Description: "summarize the draft"},
		},
		[]task.Edge{{From: "t1", To: "t2", Join: task.JoinAll}},
	)
	require.NoError(t, err)
	return dag
}

func diamondDAG(t *testing.T) *task.DAG {
	t.Helper()
	dag, err := task.New(
		[]*task.Task{
			{ID: "t1", Kind: task.KindGenerate, Description: "root"},
			{ID: "t2", Kind: task.KindGenerate, Description: "branch a"},
			{ID: "t3", Kind: task.KindGenerate, Description: "branch b"},
			{ID: "t4", Kind: task.KindSynthesize, Description: "merge"},
		},
		[]task.Edge{
			{From: "t1", To: "t2", Join: task.JoinAll},
			{From: "t1", To: "t3", Join: task.JoinAll},
			{From: "t2", To: "t4", Join: task.JoinAll},
			{From: "t3", To: "t4", Join: task.JoinAll},
		},
	)
	require.NoError(t, err)
	return dag
}

func TestRun_LinearDAGProducesFinalOutput(t *testing.T) {
	dag := linearDAG(t)
	eng, dir := newEngine(t, dag)

	result, err := eng.Run(context.Background(), "draft then summarize")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stats.TaskCount)
	assert.Equal(t, 2, result.Stats.Succeeded)
	assert.NotEmpty(t, result.Output.Text)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_DiamondDAGRunsBranchesConcurrentlyAndMerges(t *testing.T) {
	dag := diamondDAG(t)
	eng, _ := newEngine(t, dag)

	result, err := eng.Run(context.Background(), "fan out then merge")
	require.NoError(t, err)
	assert.Equal(t, 4, result.Stats.TaskCount)
	assert.Equal(t, 4, result.Stats.Succeeded)
	assert.Contains(t, result.Artifacts, "t4")
}

func TestRun_PlannerErrorPropagates(t *testing.T) {
	eng, _ := newEngine(t, linearDAG(t))
	eng.deps.Planner = scriptedPlanner{err: task.ErrInvalidDAG}

	_, err := eng.Run(context.Background(), "broken request")
	assert.ErrorIs(t, err, task.ErrInvalidDAG)
}

func TestRunStream_EmitsPlanAndFinalEvents(t *testing.T) {
	dag := linearDAG(t)
	eng, _ := newEngine(t, dag)

	events, outcomes := eng.RunStream(context.Background(), "draft then summarize")

	var kinds []string
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	outcome := <-outcomes
	require.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Result)

	assert.Contains(t, kinds, "plan")
	assert.Contains(t, kinds, "assemble_start")
	assert.Contains(t, kinds, "final")
	assert.Contains(t, kinds, "stats")
}
