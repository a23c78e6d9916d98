// Package registry holds the static per-provider capability table and the
// rolling telemetry aggregation derived from an append-only call log, the
// state the router scores candidates against.
package registry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Features are the boolean capability flags a candidate can advertise.
type Features struct {
	Streaming       bool `json:"supports_streaming" yaml:"supports_streaming"`
	Vision          bool `json:"supports_vision" yaml:"supports_vision"`
	FunctionCalling bool `json:"supports_function_calling" yaml:"supports_function_calling"`
}

// Capability is the static (configured) plus derived (telemetry-fed)
// description of one provider/model.
type Capability struct {
	ID              string             `json:"-"`
	Provider        string             `json:"provider" yaml:"provider" validate:"required"`
	Skills          map[string]float64 `json:"skills" yaml:"skills"`
	ContextWindow   int                `json:"context_window" yaml:"context_window" validate:"gte=0"`
	CostPer1K       float64            `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens" validate:"gte=0"`
	AvgLatencyMS    float64            `json:"avg_latency_ms" yaml:"avg_latency_ms" validate:"gte=0"`
	ErrorRate       float64            `json:"error_rate" yaml:"error_rate" validate:"gte=0,lte=1"`
	MaxOutputTokens int                `json:"max_output_tokens" yaml:"max_output_tokens"`
	Features        `json:",inline" yaml:",inline"`
}

const neutralSkillScore = 0.5
const rankErrorPenalty = 0.2

// callRecord is one entry in the append-only rolling telemetry log.
type callRecord struct {
	at      time.Time
	success bool
	latency time.Duration
	tokens  int
	cost    float64
}

// Registry is the process-wide, mutex-guarded capability table.
type Registry struct {
	mu            sync.RWMutex
	capabilities  map[string]*Capability
	window        time.Duration
	calls         map[string][]callRecord // provider-model id -> rolling log
	fallbackOrder []string                // first-known-provider fallback order, config order preserved
}

// New builds an empty registry with the given rolling telemetry window.
func New(window time.Duration) *Registry {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Registry{
		capabilities: make(map[string]*Capability),
		calls:        make(map[string][]callRecord),
		window:       window,
	}
}

// Load replaces the capability table, preserving configuration order for
// the fallback-order list, and sets each capability's ID to its map key.
func (r *Registry) Load(caps map[string]*Capability, order []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities = caps
	r.fallbackOrder = order
	for id, c := range caps {
		if c != nil {
			c.ID = id
		}
		if _, ok := r.calls[id]; !ok {
			r.calls[id] = nil
		}
	}
}

// Lookup returns the capability by ID, or false if absent.
func (r *Registry) Lookup(id string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[id]
	return c, ok
}

// ListAll returns every known capability ID in deterministic order.
func (r *Registry) ListAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FallbackOrder returns the configured fallback provider-ID order.
func (r *Registry) FallbackOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.fallbackOrder...)
}

// FilterByFeature returns IDs whose capability satisfies every named
// required feature ("streaming", "vision", "function_calling").
func (r *Registry) FilterByFeature(required []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, c := range r.capabilities {
		if hasFeatures(c.Features, required) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func hasFeatures(f Features, required []string) bool {
	for _, name := range required {
		switch name {
		case "streaming":
			if !f.Streaming {
				return false
			}
		case "vision":
			if !f.Vision {
				return false
			}
		case "function_calling":
			if !f.FunctionCalling {
				return false
			}
		}
	}
	return true
}

// SkillScore returns the skill score for id/skill, or the neutral default
// (0.5) when either the capability or the skill is absent.
func (r *Registry) SkillScore(id, skill string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[id]
	if !ok {
		return neutralSkillScore
	}
	if score, ok := c.Skills[skill]; ok {
		return score
	}
	return neutralSkillScore
}

// RankForKind ranks every capability by skill_score - error_rate*0.2,
// descending, deterministic on ties by ID.
func (r *Registry) RankForKind(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si := r.rankScore(ids[i], kind)
		sj := r.rankScore(ids[j], kind)
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (r *Registry) rankScore(id, kind string) float64 {
	c := r.capabilities[id]
	skill := neutralSkillScore
	if s, ok := c.Skills[kind]; ok {
		skill = s
	}
	return skill - c.ErrorRate*rankErrorPenalty
}

// UpdateTelemetry appends a call record and recomputes the capability's
// derived error_rate and avg_latency_ms from calls within the window.
func (r *Registry) UpdateTelemetry(id string, success bool, latency time.Duration, tokens int, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.calls[id] = append(r.calls[id], callRecord{at: now, success: success, latency: latency, tokens: tokens, cost: cost})

	cap, ok := r.capabilities[id]
	if !ok {
		return
	}

	cutoff := now.Add(-r.window)
	var kept []callRecord
	var failures int
	var totalLatency time.Duration
	for _, rec := range r.calls[id] {
		if rec.at.Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
		if !rec.success {
			failures++
		}
		totalLatency += rec.latency
	}
	r.calls[id] = kept

	if n := len(kept); n > 0 {
		cap.ErrorRate = clampFraction(float64(failures) / float64(n))
		cap.AvgLatencyMS = float64(totalLatency.Milliseconds()) / float64(n)
	}
}

// CallCount returns the number of calls within the window for id (test
// and stats support).
func (r *Registry) CallCount(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls[id])
}

// clampFraction keeps a derived ratio within [0,1]; guards against
// accumulated floating point drift across long-running processes.
func clampFraction(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
