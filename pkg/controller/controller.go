// Package controller drives one task through execution, verification,
// repair, and fallback: PENDING -> RUNNING_PRIMARY -> VERIFYING_PRIMARY ->
// (RUNNING_REPAIR | RUNNING_FALLBACK)* -> DONE | FAILED. It is the
// per-task analogue of a circuit breaker's state machine, grounded on the
// same closed/open/half-open style transition logic but specialized to a
// single task's repair loop rather than a shared breaker.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petec4244/ai3orchestrator/pkg/artifact"
	"github.com/petec4244/ai3orchestrator/pkg/limiter"
	"github.com/petec4244/ai3orchestrator/pkg/provider"
	"github.com/petec4244/ai3orchestrator/pkg/router"
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

// State is one node in the per-task repair/fallback state machine.
type State int

const (
	Pending State = iota
	RunningPrimary
	VerifyingPrimary
	RunningRepair
	VerifyingRepair
	RunningFallback
	VerifyingFallback
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case RunningPrimary:
		return "running_primary"
	case VerifyingPrimary:
		return "verifying_primary"
	case RunningRepair:
		return "running_repair"
	case VerifyingRepair:
		return "verifying_repair"
	case RunningFallback:
		return "running_fallback"
	case VerifyingFallback:
		return "verifying_fallback"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProviderLookup is the narrow view of the router a controller needs: pick
// a provider for a task, optionally excluding ones already tried. Kept
// separate from router.Router so the controller never holds a reference
// wide enough to reach back into the engine that owns it.
type ProviderLookup interface {
	Select(ctx context.Context, t *task.Task, contextTokens int, requiredFeatures []string, exclude ...string) (router.Decision, error)
}

// LimiterHandle is the narrow view of the concurrency limiter a controller
// needs: acquire a permit for a provider and get back a release function.
type LimiterHandle interface {
	Acquire(ctx context.Context, providerID string) (limiter.Release, error)
}

// Adapters resolves a provider adapter by kind and model ID; narrower than
// the full provider.Factory surface.
type Adapters interface {
	Get(kind provider.Kind, modelID string) (provider.Adapter, error)
}

// EventSink receives trace events as the controller advances; satisfied by
// the engine's event fan-out or a test stub.
type EventSink interface {
	Emit(kind string, data map[string]interface{})
}

// ArtifactStore persists an artifact's full body out-of-line from the
// event stream and returns a relative pointer the task_artifact event can
// carry; satisfied by a journal.RunWriter or a test stub.
type ArtifactStore interface {
	WriteArtifact(taskID string, attempt int, artifact interface{}) (string, error)
}

// DecisionRecorder records a router decision for historical analysis;
// satisfied by *telemetry.Collector.
type DecisionRecorder interface {
	RecordDecision(rec telemetry.DecisionRecord)
}

// Result is the outcome of driving one task to a terminal state.
type Result struct {
	Task      *task.Task
	State     State
	Artifacts []artifact.Artifact
	Final     artifact.Artifact
	Err       error
}

// Controller drives a single task through the repair/fallback state
// machine using injected collaborators.
type Controller struct {
	router    ProviderLookup
	limiter   LimiterHandle
	adapters  Adapters
	verifier  *verifier.Verifier
	events    EventSink
	artifacts ArtifactStore
	decisions DecisionRecorder
	tracing   telemetry.Tracing
	repairK   int
}

// Config bundles a controller's collaborators and the repair limit K.
type Config struct {
	Router      ProviderLookup
	Limiter     LimiterHandle
	Adapters    Adapters
	Verifier    *verifier.Verifier
	Events      EventSink
	Artifacts   ArtifactStore
	Decisions   DecisionRecorder
	Tracing     telemetry.Tracing
	RepairLimit int
}

// New builds a Controller from cfg. RepairLimit defaults to 1 if negative.
func New(cfg Config) *Controller {
	k := cfg.RepairLimit
	if k < 0 {
		k = 1
	}
	return &Controller{
		router:    cfg.Router,
		limiter:   cfg.Limiter,
		adapters:  cfg.Adapters,
		verifier:  cfg.Verifier,
		events:    cfg.Events,
		artifacts: cfg.Artifacts,
		decisions: cfg.Decisions,
		tracing:   cfg.Tracing,
		repairK:   k,
	}
}

// tracer returns the controller's tracer, or a no-op fallback when no
// Tracing was configured (e.g. in tests).
func (c *Controller) tracer() trace.Tracer {
	if c.tracing == nil {
		return trace.NewNoopTracerProvider().Tracer("ai3orchestrator/controller")
	}
	return c.tracing.Tracer()
}

func (c *Controller) emit(kind string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	c.events.Emit(kind, data)
}

// Run drives t from PENDING to a terminal state, invoking providers via
// the injected router/limiter/adapters and verifying each response.
// contextTokens and requiredFeatures are forwarded to the router as-is.
func (c *Controller) Run(ctx context.Context, t *task.Task, contextTokens int, requiredFeatures []string) Result {
	ctx, span := c.tracer().Start(ctx, "Controller.Run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", string(t.Kind)),
	))
	defer span.End()

	c.emit("task_start", map[string]interface{}{"task_id": t.ID, "description": t.Description})

	decision, _ := c.router.Select(ctx, t, contextTokens, requiredFeatures)
	if decision.ProviderID == "" {
		return c.fail(t, nil, fmt.Errorf("no provider available for task %s", t.ID))
	}
	t.Provider = decision.ProviderID
	c.emit("decision", map[string]interface{}{"task_id": t.ID, "provider_id": decision.ProviderID, "score": decision.Score})
	if c.decisions != nil {
		c.decisions.RecordDecision(telemetry.DecisionRecord{TaskID: t.ID, Provider: decision.ProviderID, Score: decision.Score})
	}

	state := RunningPrimary
	current := decision.ProviderID
	excluded := map[string]bool{}
	var artifacts []artifact.Artifact
	repairCount := 0
	var priorArt artifact.Artifact
	var priorVer verifier.Result

	for {
		select {
		case <-ctx.Done():
			return c.fail(t, artifacts, ctx.Err())
		default:
		}

		var prompt string
		switch state {
		case RunningRepair:
			prompt = repairPrompt(t, priorArt, priorVer)
		default:
			prompt = t.Description
		}

		art, err := c.invoke(ctx, t, current, prompt, repairCount)
		if err != nil {
			return c.fail(t, artifacts, err)
		}
		artifacts = append(artifacts, art)
		artifactData := map[string]interface{}{
			"task_id": t.ID, "provider_id": art.ProviderID, "repair_count": art.RepairCount,
		}
		if path, err := c.writeArtifact(t.ID, len(artifacts)-1, art); err == nil {
			artifactData["artifact_path"] = path
		}
		c.emit("task_artifact", artifactData)

		result := c.verify(ctx, t, art)
		art.Verification = &result
		artifacts[len(artifacts)-1] = art
		c.emit("task_verified", map[string]interface{}{
			"task_id": t.ID, "passed": result.Passed, "score": result.Score,
		})

		switch state {
		case RunningPrimary, RunningRepair:
			if result.Passed {
				return c.done(t, artifacts, art)
			}
			if repairCount < c.repairK {
				repairCount++
				priorArt = art
				priorVer = result
				c.emit("task_repaired", map[string]interface{}{"task_id": t.ID, "attempt": repairCount})
				state = RunningRepair
				continue
			}
			// repair budget exhausted: fall back to a different provider.
			excluded[current] = true
			fallbackDecision, _ := c.router.Select(ctx, t, contextTokens, requiredFeatures, setKeys(excluded)...)
			if fallbackDecision.ProviderID == "" || excluded[fallbackDecision.ProviderID] {
				// no alternative provider: last artifact stands as final.
				return c.done(t, artifacts, art)
			}
			current = fallbackDecision.ProviderID
			t.Provider = current
			state = RunningFallback
			continue
		case RunningFallback:
			art.Fallback = current
			artifacts[len(artifacts)-1] = art
			// pass or fail, fallback is the last attempt: done either way.
			return c.done(t, artifacts, art)
		}
	}
}

func (c *Controller) invoke(ctx context.Context, t *task.Task, providerID, prompt string, repairCount int) (artifact.Artifact, error) {
	ctx, span := c.tracer().Start(ctx, "Controller.invoke", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("provider.id", providerID),
	))
	defer span.End()

	release, err := c.limiter.Acquire(ctx, providerID)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("acquiring permit for %s: %w", providerID, err)
	}
	defer release()

	adapter, err := c.adapters.Get(provider.Kind(providerKindOf(providerID)), modelIDOf(providerID))
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("resolving adapter for %s: %w", providerID, err)
	}

	start := time.Now()
	resp, err := adapter.Generate(ctx, provider.GenerateRequest{Prompt: prompt, MaxTokens: 2048, Temperature: 0.2})
	latency := time.Since(start)
	if c.tracing != nil {
		c.tracing.RecordProviderCall(ctx, providerID, latency, err)
	}
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("provider %s: %w", providerID, err)
	}

	return artifact.Artifact{
		TaskID:       t.ID,
		ProviderID:   providerID,
		Prompt:       prompt,
		Response:     resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  resp.InputTokens + resp.OutputTokens,
		Cost:         resp.Cost,
		Latency:      latency,
		Timestamp:    start,
		Success:      true,
		RepairCount:  repairCount,
	}, nil
}

// writeArtifact persists art's full body to the configured ArtifactStore,
// keyed by the task and attempt (the artifact's position within this
// task's run). Returns an error when no store is configured.
func (c *Controller) writeArtifact(taskID string, attempt int, art artifact.Artifact) (string, error) {
	if c.artifacts == nil {
		return "", fmt.Errorf("no artifact store configured")
	}
	return c.artifacts.WriteArtifact(taskID, attempt, art)
}

func (c *Controller) verify(ctx context.Context, t *task.Task, art artifact.Artifact) verifier.Result {
	_, span := c.tracer().Start(ctx, "Verifier.Verify", trace.WithAttributes(attribute.String("task.id", t.ID)))
	defer span.End()
	return c.verifier.Verify(t, art.Response, art.OutputTokens)
}

func (c *Controller) done(t *task.Task, artifacts []artifact.Artifact, final artifact.Artifact) Result {
	return Result{Task: t, State: Done, Artifacts: artifacts, Final: final}
}

func (c *Controller) fail(t *task.Task, artifacts []artifact.Artifact, err error) Result {
	c.emit("task_failed", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	return Result{
		Task:      t,
		State:     Failed,
		Artifacts: artifacts,
		Final:     artifact.Artifact{TaskID: t.ID, Success: false, Error: err.Error()},
		Err:       err,
	}
}

// repairPrompt augments the original task description with the prior
// response and enumerated verification failures, shaped slightly by task
// kind so a summarize repair reads differently than a generate repair.
func repairPrompt(t *task.Task, prior artifact.Artifact, ver verifier.Result) string {
	var b strings.Builder
	b.WriteString(t.Description)
	b.WriteString("\n\nYour previous attempt did not meet the requirements:\n")
	b.WriteString(prior.Response)
	b.WriteString("\n\nIssues found:\n")
	if ver.Feedback != "" {
		b.WriteString("- ")
		b.WriteString(ver.Feedback)
		b.WriteString("\n")
	}
	for _, fix := range ver.SuggestedFixes {
		b.WriteString("- ")
		b.WriteString(fix)
		b.WriteString("\n")
	}
	switch t.Kind {
	case task.KindSummarize:
		b.WriteString("\nProduce a corrected, more concise summary addressing the issues above.")
	default:
		b.WriteString("\nProduce a corrected response addressing the issues above.")
	}
	return b.String()
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// providerKindOf and modelIDOf split a router decision's provider ID,
// which is conventionally "<kind>:<model-id>" (see registry.Capability.ID).
func providerKindOf(providerID string) string {
	if i := strings.IndexByte(providerID, ':'); i >= 0 {
		return providerID[:i]
	}
	return providerID
}

func modelIDOf(providerID string) string {
	if i := strings.IndexByte(providerID, ':'); i >= 0 {
		return providerID[i+1:]
	}
	return providerID
}
