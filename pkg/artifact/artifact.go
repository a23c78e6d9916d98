// Package artifact defines the result of executing one task against one
// provider, the unit the verifier scores and the assembler combines.
package artifact

import (
	"time"

	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

// Artifact is one provider response bound to one task at one attempt.
type Artifact struct {
	TaskID       string             `json:"task_id"`
	ProviderID   string             `json:"provider_id"`
	Prompt       string             `json:"prompt"`
	Response     string             `json:"response"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	TotalTokens  int                `json:"total_tokens"`
	Cost         float64            `json:"cost"`
	Latency      time.Duration      `json:"latency"`
	Timestamp    time.Time          `json:"timestamp"`
	Success      bool               `json:"success"`
	Error        string             `json:"error,omitempty"`
	Verification *verifier.Result   `json:"verification,omitempty"`
	RepairCount  int                `json:"repair_count"`
	Fallback     string             `json:"fallback_provider,omitempty"`
}

// Summary is a compact representation of an artifact without its prompt
// and response bodies.
type Summary struct {
	TaskID       string  `json:"task_id"`
	ProviderID   string  `json:"provider_id"`
	Success      bool    `json:"success"`
	TotalTokens  int     `json:"total_tokens"`
	LatencyMS    int64   `json:"latency_ms"`
	RepairCount  int     `json:"repair_count"`
}

// ToSummary builds the compact event-stream representation of a.
func (a Artifact) ToSummary() Summary {
	return Summary{
		TaskID:      a.TaskID,
		ProviderID:  a.ProviderID,
		Success:     a.Success,
		TotalTokens: a.TotalTokens,
		LatencyMS:   a.Latency.Milliseconds(),
		RepairCount: a.RepairCount,
	}
}
