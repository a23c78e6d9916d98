package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTasks(ids ...string) []*Task {
	out := make([]*Task, len(ids))
	for i, id := range ids {
		out[i] = &Task{ID: id, Kind: KindGenerate}
	}
	return out
}

func TestNew_DuplicateID(t *testing.T) {
	_, err := New(mkTasks("a", "a"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDAG)
}

func TestNew_DanglingEdge(t *testing.T) {
	_, err := New(mkTasks("a"), []Edge{{From: "a", To: "b"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDAG)
}

func TestNew_Cycle(t *testing.T) {
	_, err := New(mkTasks("a", "b"), []Edge{
		{From: "a", To: "b"},
		{From: "b", To: "a"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDAG)
}

func TestNew_SingleTaskIsOnlyRoot(t *testing.T) {
	// A graph in which every task has an incoming edge contains a cycle,
	// which the acyclic check rejects first, so New's no-root branch is
	// unreachable; this checks the single-task, zero-edge baseline.
	d, err := New(mkTasks("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, d.Roots())
}

func TestLinear(t *testing.T) {
	d, err := New(mkTasks("t1", "t2", "t3"), []Edge{
		{From: "t1", To: "t2"},
		{From: "t2", To: "t3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, d.Roots())

	ready, skipped := d.OnTerminal("t1", true)
	assert.Equal(t, []string{"t2"}, ready)
	assert.Empty(t, skipped)

	ready, skipped = d.OnTerminal("t2", true)
	assert.Equal(t, []string{"t3"}, ready)
	assert.Empty(t, skipped)
}

func TestParallel(t *testing.T) {
	d, err := New(mkTasks("t1", "t2", "t3"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, d.Roots())
}

func TestDiamond(t *testing.T) {
	d, err := New(mkTasks("t1", "t2", "t3", "t4"), []Edge{
		{From: "t1", To: "t2"},
		{From: "t1", To: "t3"},
		{From: "t2", To: "t4"},
		{From: "t3", To: "t4"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, d.Roots())

	ready, _ := d.OnTerminal("t1", true)
	assert.Equal(t, []string{"t2", "t3"}, ready)

	ready, _ = d.OnTerminal("t2", true)
	assert.Empty(t, ready, "t4 must not dispatch until both t2 and t3 are done")

	ready, _ = d.OnTerminal("t3", true)
	assert.Equal(t, []string{"t4"}, ready)
}

func TestFailurePropagation(t *testing.T) {
	d, err := New(mkTasks("t1", "t2", "t3"), []Edge{
		{From: "t1", To: "t2"},
		{From: "t2", To: "t3"},
	})
	require.NoError(t, err)

	ready, skipped := d.OnTerminal("t1", false)
	assert.Empty(t, ready)
	assert.Equal(t, []string{"t2", "t3"}, skipped)
	assert.Equal(t, StatusSkipped, d.Task("t2").Status)
	assert.Equal(t, StatusSkipped, d.Task("t3").Status)
}

func TestAnyJoin(t *testing.T) {
	d, err := New(mkTasks("t1", "t2", "t3"), []Edge{
		{From: "t1", To: "t3", Join: JoinAny},
		{From: "t2", To: "t3", Join: JoinAny},
	})
	require.NoError(t, err)

	ready, _ := d.OnTerminal("t1", true)
	assert.Equal(t, []string{"t3"}, ready, "t3 becomes ready as soon as one any-parent succeeds")

	// t2 still completes but must not re-ready t3.
	ready, _ = d.OnTerminal("t2", true)
	assert.Empty(t, ready)
}

func TestAnyJoin_SkippedWhenEveryAnyParentFails(t *testing.T) {
	d, err := New(mkTasks("t1", "t2", "t3", "t4"), []Edge{
		{From: "t1", To: "t3", Join: JoinAny},
		{From: "t2", To: "t3", Join: JoinAny},
		{From: "t3", To: "t4"},
	})
	require.NoError(t, err)

	ready, skipped := d.OnTerminal("t1", false)
	assert.Empty(t, ready)
	assert.Empty(t, skipped, "t3 still has an unresolved any-parent")
	assert.Equal(t, StatusPending, d.Task("t3").Status)

	ready, skipped = d.OnTerminal("t2", false)
	assert.Empty(t, ready)
	assert.Equal(t, []string{"t3", "t4"}, skipped, "every any-parent of t3 has now failed, so t3 and its successor skip")
	assert.Equal(t, StatusSkipped, d.Task("t3").Status)
	assert.Equal(t, StatusSkipped, d.Task("t4").Status)
}
