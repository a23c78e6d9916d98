// Package router selects a provider/model for a task using a weighted,
// multi-factor score computed from the capability registry's static and
// telemetry-derived fields.
package router

import (
	"context"
	"math"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petec4244/ai3orchestrator/pkg/logger"
	"github.com/petec4244/ai3orchestrator/pkg/registry"
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
)

// StatsSource is the narrow view of a telemetry collector a Router
// consults for a provider's persisted cross-run history; satisfied by
// *telemetry.Collector.
type StatsSource interface {
	ProviderStats(provider string, capabilityDefaultLatencyMS float64) telemetry.ProviderStats
}

var tracer = otel.Tracer("ai3orchestrator/router")

const (
	costReferencePer1K = 0.01
	latencyReferenceMS = 10000.0
)

// Weights is the configurable set of sub-score weights. Values MUST
// normalize to 1.0 (within 1%); DefaultWeights already does.
type Weights struct {
	Skill       float64
	Performance float64
	Cost        float64
	ContextFit  float64
	Features    float64
}

// DefaultWeights matches the values named in the router's scoring table.
func DefaultWeights() Weights {
	return Weights{Skill: 0.50, Performance: 0.20, Cost: 0.15, ContextFit: 0.10, Features: 0.05}
}

func (w Weights) sum() float64 {
	return w.Skill + w.Performance + w.Cost + w.ContextFit + w.Features
}

// normalized returns w scaled so its components sum to 1.0, or false if
// the sum is off by more than 1%.
func (w Weights) normalized() (Weights, bool) {
	sum := w.sum()
	if math.Abs(sum-1.0) > 0.01 {
		return w, false
	}
	if sum == 1.0 {
		return w, true
	}
	scale := 1.0 / sum
	return Weights{
		Skill:       w.Skill * scale,
		Performance: w.Performance * scale,
		Cost:        w.Cost * scale,
		ContextFit:  w.ContextFit * scale,
		Features:    w.Features * scale,
	}, true
}

// Decision is a scored candidate, returned for the full ranking and for
// the telemetry "decision" event.
type Decision struct {
	ProviderID string
	Score      float64
}

// Router picks a provider for a task via the weighted scoring function.
type Router struct {
	registry  *registry.Registry
	stats     StatsSource
	overrides map[task.Kind]string
	log       logger.Logger
	weights   Weights
}

// Option configures a Router.
type Option func(*Router)

// WithOverrides installs task-kind -> provider-ID short-circuits.
func WithOverrides(overrides map[task.Kind]string) Option {
	return func(r *Router) { r.overrides = overrides }
}

// WithLogger installs a logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithStats installs a telemetry stats source consulted for a provider's
// persisted cross-run history before that provider has accumulated any
// calls in the registry's in-process rolling window.
func WithStats(s StatsSource) Option {
	return func(r *Router) { r.stats = s }
}

// WithWeights overrides the default sub-score weights. Weights that do
// not normalize to 1.0 within 1% are rejected (the default is kept).
func WithWeights(w Weights) Option {
	return func(r *Router) {
		if normalized, ok := w.normalized(); ok {
			r.weights = normalized
		}
	}
}

// New builds a Router over a capability registry.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{registry: reg, overrides: map[task.Kind]string{}, log: logger.NewDefaultLogger(), weights: DefaultWeights()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select returns the best provider ID for t, excluding any IDs in
// exclude (used by the fallback path to avoid re-picking a failed
// provider). It never errors for well-formed input: when no candidate
// passes filtering it falls through to the configured fallback order,
// then to the first known provider.
func (r *Router) Select(ctx context.Context, t *task.Task, contextTokens int, requiredFeatures []string, exclude ...string) (Decision, error) {
	_, span := tracer.Start(ctx, "Router.Select", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", string(t.Kind)),
	))
	defer span.End()

	if pid, ok := r.overrides[t.Kind]; ok {
		if _, known := r.registry.Lookup(pid); known && !excluded(pid, exclude) {
			span.SetAttributes(attribute.Bool("override", true))
			return Decision{ProviderID: pid, Score: 1.0}, nil
		}
	}

	candidates := r.registry.FilterByFeature(requiredFeatures)
	var scored []Decision
	for _, id := range candidates {
		if excluded(id, exclude) {
			continue
		}
		c, ok := r.registry.Lookup(id)
		if !ok {
			continue
		}
		if contextTokens > 0 && c.ContextWindow < contextTokens {
			continue
		}
		scored = append(scored, Decision{ProviderID: id, Score: r.score(c, t, contextTokens, requiredFeatures)})
	}

	if len(scored) == 0 {
		return r.fallback(exclude), nil
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ProviderID < scored[j].ProviderID
	})

	best := scored[0]
	span.SetAttributes(attribute.Float64("score", best.Score), attribute.String("provider", best.ProviderID))
	r.log.Info("router decision", "task_id", t.ID, "provider", best.ProviderID, "score", best.Score)
	return best, nil
}

func (r *Router) fallback(exclude []string) Decision {
	for _, id := range r.registry.FallbackOrder() {
		if !excluded(id, exclude) {
			if _, ok := r.registry.Lookup(id); ok {
				return Decision{ProviderID: id, Score: 0}
			}
		}
	}
	for _, id := range r.registry.ListAll() {
		if !excluded(id, exclude) {
			return Decision{ProviderID: id, Score: 0}
		}
	}
	return Decision{}
}

func excluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

func (r *Router) score(c *registry.Capability, t *task.Task, contextTokens int, requiredFeatures []string) float64 {
	skill := r.registry.SkillScore(c.ID, string(t.Kind))

	errorRate, latencyMS := c.ErrorRate, c.AvgLatencyMS
	if r.stats != nil && r.registry.CallCount(c.ID) == 0 {
		if stats := r.stats.ProviderStats(c.ID, c.AvgLatencyMS); stats.HasHistory {
			errorRate, latencyMS = 1-stats.SuccessRate, stats.LatencyMS
		}
	}
	performance := 0.7*(1-errorRate) + 0.3*math.Max(0, 1-latencyMS/latencyReferenceMS)

	cost := 1 - math.Min(c.CostPer1K/costReferencePer1K, 1)

	var contextFit float64
	if contextTokens <= 0 {
		contextFit = 1.0
	} else if c.ContextWindow <= 0 {
		contextFit = 0.6
	} else {
		utilization := float64(contextTokens) / float64(c.ContextWindow)
		switch {
		case utilization < 0.2:
			contextFit = 0.8
		case utilization < 0.8:
			contextFit = 1.0
		default:
			contextFit = 0.6
		}
	}

	features := 1.0
	if len(requiredFeatures) > 0 {
		supported := 0
		for _, f := range requiredFeatures {
			if featureSupported(c.Features, f) {
				supported++
			}
		}
		features = float64(supported) / float64(len(requiredFeatures))
	}

	w := r.weights
	return w.Skill*skill + w.Performance*performance + w.Cost*cost + w.ContextFit*contextFit + w.Features*features
}

func featureSupported(f registry.Features, name string) bool {
	switch name {
	case "streaming":
		return f.Streaming
	case "vision":
		return f.Vision
	case "function_calling":
		return f.FunctionCalling
	}
	return false
}
