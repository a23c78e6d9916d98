package journal

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRun_CreatesLayout(t *testing.T) {
	j, err := New(t.TempDir())
	require.NoError(t, err)

	start := time.Now()
	w, err := j.StartRun(start)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteInput("hello"))
	require.NoError(t, w.WritePlan(map[string]string{"a": "b"}))
	require.NoError(t, w.Emit(Event{Kind: "plan", Data: map[string]interface{}{"status": "started"}}))
	require.NoError(t, w.Emit(Event{Kind: "plan", Data: map[string]interface{}{"status": "completed", "task_count": 1}}))
	ptr, err := w.WriteArtifact("t1", 0, map[string]string{"response": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "artifacts/t1_0.json", ptr)
	require.NoError(t, w.WriteOutput("final output"))
	require.NoError(t, w.WriteStats(map[string]int{"total": 1}))

	assert.DirExists(t, filepath.Join(w.Dir(), "artifacts"))
	assert.FileExists(t, filepath.Join(w.Dir(), "input.txt"))
	assert.FileExists(t, filepath.Join(w.Dir(), "plan.json"))
	assert.FileExists(t, filepath.Join(w.Dir(), "output.txt"))
	assert.FileExists(t, filepath.Join(w.Dir(), "stats.json"))
	assert.FileExists(t, filepath.Join(w.Dir(), "artifacts", "t1_0.json"))

	f, err := os.Open(filepath.Join(w.Dir(), "trace.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines, "trace.jsonl is append-only, one event per line")
}

func TestRunDirName_UsesUnixMillisPrefix(t *testing.T) {
	start := time.UnixMilli(1234567890123)
	assert.Equal(t, "run_1234567890123", RunDirName(start))
}
