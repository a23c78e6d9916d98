// Package engine wires the planner, scheduler, router, limiter,
// controller, verifier, telemetry collector, journal, and assembler into
// the two entry points a caller drives a run through: a blocking
// run-to-completion call and an event-streaming variant. Both share the
// same execution; only event emission differs.
package engine

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petec4244/ai3orchestrator/pkg/artifact"
	"github.com/petec4244/ai3orchestrator/pkg/assembler"
	"github.com/petec4244/ai3orchestrator/pkg/controller"
	"github.com/petec4244/ai3orchestrator/pkg/journal"
	"github.com/petec4244/ai3orchestrator/pkg/limiter"
	"github.com/petec4244/ai3orchestrator/pkg/logger"
	"github.com/petec4244/ai3orchestrator/pkg/planner"
	"github.com/petec4244/ai3orchestrator/pkg/provider"
	"github.com/petec4244/ai3orchestrator/pkg/registry"
	"github.com/petec4244/ai3orchestrator/pkg/router"
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

// Event is one record in a run's emission-ordered event stream; see the
// event-kind table (plan, task_start, decision, task_artifact,
// task_verified, task_repaired, task_failed, assemble_start, final,
// stats, error).
type Event struct {
	Kind string                 `json:"kind"`
	At   time.Time              `json:"at"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Stats summarizes one run for stats.json and the "stats" event.
type Stats struct {
	TaskCount      int     `json:"task_count"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Skipped        int     `json:"skipped"`
	TotalCost      float64 `json:"total_cost"`
	TotalLatencyMS int64   `json:"total_latency_ms"`
}

// Result is the outcome of a completed run.
type Result struct {
	RunID     string
	Output    assembler.Response
	Stats     Stats
	Artifacts map[string][]artifact.Artifact
	DAG       *task.DAG
}

// Deps bundles an Engine's collaborators. All fields except Tracing,
// TelemetryPath, Journal and Logger are required; zero values for the
// first three disable tracing, telemetry persistence and the on-disk
// trace without affecting correctness, and a nil Logger is replaced by
// the default logger.
type Deps struct {
	Registry      *registry.Registry
	Router        *router.Router
	Limiter       *limiter.Limiter
	Factory       *provider.Factory
	Verifier      *verifier.Verifier
	Collector     *telemetry.Collector
	Tracing       telemetry.Tracing
	Journal       *journal.Journal
	Assembler     *assembler.Assembler
	Planner       planner.Planner
	RepairLimit   int
	TelemetryPath string
	Logger        logger.Logger
}

// Engine is the top-level orchestrator.
type Engine struct {
	deps Deps
	log  logger.Logger
}

// New builds an Engine from deps, defaulting a nil Logger.
func New(deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Engine{deps: deps, log: log}
}

// tracer returns the engine's tracer, or a no-op fallback when Tracing
// was not configured.
func (e *Engine) tracer() trace.Tracer {
	if e.deps.Tracing == nil {
		return trace.NewNoopTracerProvider().Tracer("ai3orchestrator/engine")
	}
	return e.deps.Tracing.Tracer()
}

// Shutdown flushes the engine's tracing provider, if one was configured.
// Callers should invoke this once, at process exit, after all runs have
// finished.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.deps.Tracing == nil {
		return nil
	}
	return e.deps.Tracing.Shutdown(ctx)
}

// sinkFunc adapts a plain function to both controller.EventSink and the
// engine's own emit call, so a single closure can fan an event out to
// the journal and an optional external stream.
type sinkFunc func(kind string, data map[string]interface{})

func (f sinkFunc) Emit(kind string, data map[string]interface{}) { f(kind, data) }

// Run drives one run to completion and returns the final result. Only a
// planning failure (an invalid DAG or the planner's own error) propagates
// as an error; a run that fails entirely still returns a Result with
// Output.Confidence == 0.
func (e *Engine) Run(ctx context.Context, userText string) (*Result, error) {
	return e.execute(ctx, userText, nil)
}

// RunStream drives one run to completion while also emitting every
// event on the returned channel, in emission order. The channel closes
// when the run finishes; the result (or error) arrives on the second
// channel exactly once.
func (e *Engine) RunStream(ctx context.Context, userText string) (<-chan Event, <-chan Outcome) {
	events := make(chan Event, 64)
	outcomes := make(chan Outcome, 1)

	go func() {
		defer close(events)
		defer close(outcomes)
		result, err := e.execute(ctx, userText, func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		outcomes <- Outcome{Result: result, Err: err}
	}()

	return events, outcomes
}

// Outcome is the terminal value delivered on RunStream's result channel.
type Outcome struct {
	Result *Result
	Err    error
}

func (e *Engine) execute(ctx context.Context, userText string, stream func(Event)) (*Result, error) {
	ctx, span := e.tracer().Start(ctx, "Engine.Run")
	defer span.End()

	start := time.Now()
	runID := journal.RunDirName(start)

	var writer *journal.RunWriter
	if e.deps.Journal != nil {
		w, err := e.deps.Journal.StartRun(start)
		if err != nil {
			e.log.Warn("journal start failed, degrading to stream-only", logger.Field{Key: "error", Value: err.Error()})
		} else {
			writer = w
			defer writer.Close()
		}
	}

	emit := func(kind string, data map[string]interface{}) {
		ev := Event{Kind: kind, At: time.Now(), Data: data}
		if writer != nil {
			_ = writer.Emit(journal.Event{Kind: kind, At: ev.At, Data: data})
		}
		if stream != nil {
			stream(ev)
		}
	}
	sink := sinkFunc(emit)

	if writer != nil {
		_ = writer.WriteInput(userText)
	}

	dag, err := e.deps.Planner.Plan(ctx, userText)
	if err != nil {
		emit("error", map[string]interface{}{"message": err.Error()})
		return nil, err
	}
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.task_count", len(dag.Tasks())),
	)

	if writer != nil {
		_ = writer.WritePlan(planSnapshot(dag))
	}
	emit("plan", map[string]interface{}{"status": "completed", "task_count": len(dag.Tasks())})

	artifactsByTask, completionOrder := e.schedule(ctx, dag, sink, writer)

	emit("assemble_start", nil)
	tasksMap := make(map[string]task.Task, len(dag.Tasks()))
	for _, t := range dag.Tasks() {
		tasksMap[t.ID] = *t
	}
	resp := e.deps.Assembler.Assemble(completionOrder, tasksMap, artifactsByTask)

	if writer != nil {
		_ = writer.WriteOutput(resp.Text)
	}

	stats := computeStats(dag, artifactsByTask)
	if writer != nil {
		_ = writer.WriteStats(stats)
	}
	emit("final", map[string]interface{}{"output": resp.Text})
	emit("stats", map[string]interface{}{"stats": stats})

	if e.deps.TelemetryPath != "" {
		if err := e.deps.Collector.Persist(e.deps.TelemetryPath); err != nil {
			e.log.Warn("telemetry persist failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}

	return &Result{RunID: runID, Output: resp, Stats: stats, Artifacts: artifactsByTask, DAG: dag}, nil
}

type taskOutcome struct {
	id     string
	result controller.Result
}

// schedule drives the DAG's wavefronts, dispatching one controller per
// ready task and advancing on each terminal result, until every task is
// terminal (done, failed, or skipped).
func (e *Engine) schedule(ctx context.Context, dag *task.DAG, sink controller.EventSink, writer *journal.RunWriter) (map[string][]artifact.Artifact, []string) {
	artifactsByTask := make(map[string][]artifact.Artifact)
	var completionOrder []string

	var artifactStore controller.ArtifactStore
	if writer != nil {
		artifactStore = writer
	}

	resultsCh := make(chan taskOutcome)
	inFlight := 0

	dispatch := func(ids []string) {
		sort.Strings(ids)
		for _, id := range ids {
			t := dag.Task(id)
			if t == nil {
				continue
			}
			inFlight++
			go func(t *task.Task) {
				ctrl := controller.New(controller.Config{
					Router:      e.deps.Router,
					Limiter:     e.deps.Limiter,
					Adapters:    e.deps.Factory,
					Verifier:    e.deps.Verifier,
					Events:      sink,
					Artifacts:   artifactStore,
					Decisions:   e.deps.Collector,
					Tracing:     e.deps.Tracing,
					RepairLimit: e.deps.RepairLimit,
				})
				result := ctrl.Run(ctx, t, 0, nil)
				select {
				case resultsCh <- taskOutcome{id: t.ID, result: result}:
				case <-ctx.Done():
				}
			}(t)
		}
	}

	dispatch(dag.Roots())

	for inFlight > 0 {
		select {
		case outcome := <-resultsCh:
			inFlight--
			artifactsByTask[outcome.id] = outcome.result.Artifacts
			completionOrder = append(completionOrder, outcome.id)
			e.recordTelemetry(outcome.result.Artifacts)

			success := outcome.result.State == controller.Done
			ready, skipped := dag.OnTerminal(outcome.id, success)
			for _, sid := range skipped {
				artifactsByTask[sid] = []artifact.Artifact{{
					TaskID: sid, Success: false, Error: "skipped: an upstream dependency did not produce a usable artifact",
				}}
				completionOrder = append(completionOrder, sid)
			}
			dispatch(ready)
		case <-ctx.Done():
			return artifactsByTask, completionOrder
		}
	}

	return artifactsByTask, completionOrder
}

func (e *Engine) recordTelemetry(artifacts []artifact.Artifact) {
	for _, art := range artifacts {
		e.deps.Collector.RecordCall(telemetry.CallRecord{
			TaskID:   art.TaskID,
			Provider: art.ProviderID,
			Success:  art.Success,
			Latency:  art.Latency,
			Cost:     art.Cost,
			Tokens:   art.TotalTokens,
			At:       art.Timestamp,
		})
		if art.ProviderID != "" {
			e.deps.Registry.UpdateTelemetry(art.ProviderID, art.Success, art.Latency, art.TotalTokens, art.Cost)
		}
	}
}

func computeStats(dag *task.DAG, artifactsByTask map[string][]artifact.Artifact) Stats {
	stats := Stats{TaskCount: len(dag.Tasks())}
	var totalLatency time.Duration
	for _, artifacts := range artifactsByTask {
		if len(artifacts) == 0 {
			stats.Failed++
			continue
		}
		final := artifacts[len(artifacts)-1]
		if final.Success {
			stats.Succeeded++
		} else if final.Error != "" && isSkipped(final.Error) {
			stats.Skipped++
		} else {
			stats.Failed++
		}
		for _, art := range artifacts {
			stats.TotalCost += art.Cost
			totalLatency += art.Latency
		}
	}
	stats.TotalLatencyMS = totalLatency.Milliseconds()
	return stats
}

func isSkipped(errMsg string) bool {
	return len(errMsg) >= 7 && errMsg[:7] == "skipped"
}

func planSnapshot(dag *task.DAG) map[string]interface{} {
	return map[string]interface{}{
		"tasks": dag.Tasks(),
		"edges": dag.Edges(),
	}
}
