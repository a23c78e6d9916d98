package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petec4244/ai3orchestrator/pkg/limiter"
	"github.com/petec4244/ai3orchestrator/pkg/provider"
	"github.com/petec4244/ai3orchestrator/pkg/router"
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

type stubRouter struct {
	decisions []router.Decision // popped in order per call; last repeats
	calls     int
}

func (s *stubRouter) Select(ctx context.Context, t *task.Task, contextTokens int, requiredFeatures []string, exclude ...string) (router.Decision, error) {
	idx := s.calls
	if idx >= len(s.decisions) {
		idx = len(s.decisions) - 1
	}
	s.calls++
	d := s.decisions[idx]
	for _, e := range exclude {
		if e == d.ProviderID {
			return router.Decision{}, nil
		}
	}
	return d, nil
}

type stubLimiter struct{}

func (stubLimiter) Acquire(ctx context.Context, providerID string) (limiter.Release, error) {
	return func() {}, nil
}

type scriptedAdapter struct {
	responses []string
	i         int
	err       error
}

func (a *scriptedAdapter) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResponse, error) {
	if a.err != nil {
		return provider.GenerateResponse{}, a.err
	}
	idx := a.i
	if idx >= len(a.responses) {
		idx = len(a.responses) - 1
	}
	a.i++
	return provider.GenerateResponse{Content: a.responses[idx], OutputTokens: 50}, nil
}

type stubAdapters struct {
	byProvider map[string]provider.Adapter
}

func (s *stubAdapters) Get(kind provider.Kind, modelID string) (provider.Adapter, error) {
	key := string(kind) + ":" + modelID
	if a, ok := s.byProvider[key]; ok {
		return a, nil
	}
	return nil, errors.New("no adapter for " + key)
}

type recordingSink struct {
	kinds []string
}

func (r *recordingSink) Emit(kind string, data map[string]interface{}) {
	r.kinds = append(r.kinds, kind)
}

func newTask(id string) *task.Task {
	return &task.Task{ID: id, Description: "do the thing", Kind: task.KindGenerate, Criteria: []string{"non-empty"}}
}

func TestRun_PrimarySucceedsOnFirstTry(t *testing.T) {
	sink := &recordingSink{}
	c := New(Config{
		Router:   &stubRouter{decisions: []router.Decision{{ProviderID: "anthropic:claude", Score: 0.9}}},
		Limiter:  stubLimiter{},
		Adapters: &stubAdapters{byProvider: map[string]provider.Adapter{"anthropic:claude": &scriptedAdapter{responses: []string{"a complete and correct response that is long enough to pass quality checks"}}}},
		Verifier: verifier.New(nil),
		Events:   sink,
	})

	result := c.Run(context.Background(), newTask("t1"), 0, nil)
	require.Equal(t, Done, result.State)
	assert.Equal(t, 0, result.Final.RepairCount)
	assert.Equal(t, []string{"task_start", "decision", "task_artifact", "task_verified"}, sink.kinds)
}

func TestRun_RepairSucceedsOnSecondAttempt(t *testing.T) {
	sink := &recordingSink{}
	c := New(Config{
		Router:  &stubRouter{decisions: []router.Decision{{ProviderID: "anthropic:claude", Score: 0.9}}},
		Limiter: stubLimiter{},
		Adapters: &stubAdapters{byProvider: map[string]provider.Adapter{
			"anthropic:claude": &scriptedAdapter{responses: []string{"todo", "a complete and correct response that is long enough to pass quality checks"}},
		}},
		Verifier:    verifier.New(nil),
		Events:      sink,
		RepairLimit: 1,
	})

	result := c.Run(context.Background(), newTask("t1"), 0, nil)
	require.Equal(t, Done, result.State)
	assert.Equal(t, 1, result.Final.RepairCount)
	assert.Contains(t, sink.kinds, "task_repaired")
	assert.Equal(t, 1, countKind(sink.kinds, "task_repaired"))
}

func TestRun_RepairLimitZeroGoesStraightToFallback(t *testing.T) {
	sink := &recordingSink{}
	c := New(Config{
		Router: &stubRouter{decisions: []router.Decision{
			{ProviderID: "anthropic:claude", Score: 0.9},
			{ProviderID: "openai:gpt", Score: 0.5},
		}},
		Limiter: stubLimiter{},
		Adapters: &stubAdapters{byProvider: map[string]provider.Adapter{
			"anthropic:claude": &scriptedAdapter{responses: []string{"todo"}},
			"openai:gpt":       &scriptedAdapter{responses: []string{"a complete and correct fallback response that is long enough"}},
		}},
		Verifier:    verifier.New(nil),
		Events:      sink,
		RepairLimit: 0,
	})

	result := c.Run(context.Background(), newTask("t1"), 0, nil)
	require.Equal(t, Done, result.State)
	assert.Equal(t, "openai:gpt", result.Final.Fallback)
	assert.NotContains(t, sink.kinds, "task_repaired")
}

type recordingArtifactStore struct {
	writes []string
}

func (r *recordingArtifactStore) WriteArtifact(taskID string, attempt int, artifact interface{}) (string, error) {
	path := fmt.Sprintf("%s_%d.json", taskID, attempt)
	r.writes = append(r.writes, path)
	return "artifacts/" + path, nil
}

func TestRun_WritesArtifactAndAttachesPointer(t *testing.T) {
	sink := &recordingSink{}
	store := &recordingArtifactStore{}
	c := New(Config{
		Router:    &stubRouter{decisions: []router.Decision{{ProviderID: "anthropic:claude", Score: 0.9}}},
		Limiter:   stubLimiter{},
		Adapters:  &stubAdapters{byProvider: map[string]provider.Adapter{"anthropic:claude": &scriptedAdapter{responses: []string{"a complete and correct response that is long enough to pass quality checks"}}}},
		Verifier:  verifier.New(nil),
		Events:    sink,
		Artifacts: store,
	})

	result := c.Run(context.Background(), newTask("t1"), 0, nil)
	require.Equal(t, Done, result.State)
	assert.Equal(t, []string{"t1_0.json"}, store.writes)
}

func TestRun_ProviderErrorFails(t *testing.T) {
	c := New(Config{
		Router:   &stubRouter{decisions: []router.Decision{{ProviderID: "anthropic:claude", Score: 0.9}}},
		Limiter:  stubLimiter{},
		Adapters: &stubAdapters{byProvider: map[string]provider.Adapter{"anthropic:claude": &scriptedAdapter{err: errors.New("network error")}}},
		Verifier: verifier.New(nil),
		Events:   &recordingSink{},
	})

	result := c.Run(context.Background(), newTask("t1"), 0, nil)
	assert.Equal(t, Failed, result.State)
	assert.Error(t, result.Err)
	assert.False(t, result.Final.Success)
}

func countKind(kinds []string, target string) int {
	n := 0
	for _, k := range kinds {
		if k == target {
			n++
		}
	}
	return n
}
