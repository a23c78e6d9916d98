// Package journal persists one run's trace to a per-run filesystem
// directory: input, plan, an append-only event stream, final output, and
// stats, plus out-of-line artifact bodies so the event stream stays
// compact.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one line of trace.jsonl. Kind matches the event-kind table
// (plan, task_start, decision, task_artifact, task_verified,
// task_repaired, task_failed, assemble_start, final, stats, error);
// Data carries the kind-specific required fields.
type Event struct {
	Kind string                 `json:"kind"`
	At   time.Time              `json:"at"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Journal roots per-run directories under a base directory.
type Journal struct {
	baseDir string
}

// New builds a Journal rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Journal, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating base dir: %v", ErrJournal, err)
	}
	return &Journal{baseDir: baseDir}, nil
}

// RunDirName returns the conventional "run_<unix-ms>" directory name for
// a start time.
func RunDirName(start time.Time) string {
	return fmt.Sprintf("run_%d", start.UnixMilli())
}

// RunWriter is the single writer for one run's directory; the journal's
// append ordering is only valid with one writer per run.
type RunWriter struct {
	mu      sync.Mutex
	dir     string
	traceFd *os.File
}

// StartRun creates run_<unix-ms>/ under the journal's base directory and
// opens trace.jsonl for appending.
func (j *Journal) StartRun(start time.Time) (*RunWriter, error) {
	dir := filepath.Join(j.baseDir, RunDirName(start))
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating run dir: %v", ErrJournal, err)
	}

	fd, err := os.OpenFile(filepath.Join(dir, "trace.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening trace.jsonl: %v", ErrJournal, err)
	}

	return &RunWriter{dir: dir, traceFd: fd}, nil
}

// Dir returns the run directory path.
func (w *RunWriter) Dir() string { return w.dir }

// WriteInput writes input.txt.
func (w *RunWriter) WriteInput(text string) error {
	return w.writeFile("input.txt", []byte(text))
}

// WritePlan writes plan.json from any JSON-marshalable DAG representation.
func (w *RunWriter) WritePlan(plan interface{}) error {
	raw, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling plan: %v", ErrJournal, err)
	}
	return w.writeFile("plan.json", raw)
}

// Emit appends one event to trace.jsonl and flushes before returning, so
// an interrupted run leaves a valid partial trace.
func (w *RunWriter) Emit(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshaling event: %v", ErrJournal, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.traceFd.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("%w: appending event: %v", ErrJournal, err)
	}
	return w.traceFd.Sync()
}

// WriteArtifact persists an artifact's full body (prompt + response) out
// of line from the event stream and returns a relative pointer the
// corresponding task_artifact event can carry as a summary field.
func (w *RunWriter) WriteArtifact(taskID string, attempt int, artifact interface{}) (string, error) {
	name := fmt.Sprintf("artifacts/%s_%d.json", taskID, attempt)
	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshaling artifact: %v", ErrJournal, err)
	}
	if err := w.writeFile(name, raw); err != nil {
		return "", err
	}
	return name, nil
}

// WriteOutput writes output.txt.
func (w *RunWriter) WriteOutput(text string) error {
	return w.writeFile("output.txt", []byte(text))
}

// WriteStats writes stats.json.
func (w *RunWriter) WriteStats(stats interface{}) error {
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling stats: %v", ErrJournal, err)
	}
	return w.writeFile("stats.json", raw)
}

// Close closes the trace file.
func (w *RunWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.traceFd.Close()
}

func (w *RunWriter) writeFile(name string, content []byte) error {
	path := filepath.Join(w.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrJournal, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrJournal, name, err)
	}
	return nil
}
