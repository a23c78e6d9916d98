package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderStats_NoHistoryReturnsDefaults(t *testing.T) {
	c := New()
	stats := c.ProviderStats("anthropic", 1500)
	assert.False(t, stats.HasHistory)
	assert.Equal(t, 0.8, stats.SuccessRate)
	assert.Equal(t, 1500.0, stats.LatencyMS)
}

func TestRecordCall_UpdatesAggregates(t *testing.T) {
	c := New()
	c.RecordCall(CallRecord{TaskID: "t1", Provider: "a", Success: true, Latency: 1000 * time.Millisecond, Cost: 0.01, Tokens: 100})
	c.RecordCall(CallRecord{TaskID: "t2", Provider: "a", Success: false, Latency: 2000 * time.Millisecond, Cost: 0.02, Tokens: 200})

	stats := c.ProviderStats("a", 0)
	assert.True(t, stats.HasHistory)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 1500.0, stats.LatencyMS)
	assert.InDelta(t, 0.015, stats.AvgCost, 1e-9)
	assert.InDelta(t, 0.03, c.TotalCost(), 1e-9)
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	c := New()
	c.RecordCall(CallRecord{Provider: "a", Success: true, Latency: time.Second, Cost: 0.01, Tokens: 10})

	path := filepath.Join(t.TempDir(), "telemetry.json")
	require.NoError(t, c.Persist(path))

	c2 := New()
	require.NoError(t, c2.Load(path))
	assert.Equal(t, c.ProviderStats("a", 0), c2.ProviderStats("a", 0))
}

func TestLoad_MissingFileIsNotError(t *testing.T) {
	c := New()
	err := c.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.NoError(t, err)
}

func TestRecordDecision_AppendsToRunLog(t *testing.T) {
	c := New()
	c.RecordDecision(DecisionRecord{TaskID: "t1", Provider: "a", Score: 0.8})
	c.RecordDecision(DecisionRecord{TaskID: "t2", Provider: "b", Score: 0.6})

	assert.Equal(t, []DecisionRecord{
		{TaskID: "t1", Provider: "a", Score: 0.8},
		{TaskID: "t2", Provider: "b", Score: 0.6},
	}, c.Decisions())
}
