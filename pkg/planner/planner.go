// Package planner turns free-form user text into a validated task DAG by
// prompting an LLM for a JSON plan and repairing common malformed-JSON
// shapes before giving up.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/petec4244/ai3orchestrator/pkg/provider"
	"github.com/petec4244/ai3orchestrator/pkg/task"
)

const promptTemplate = `You are a task planning agent. Given a user request, decompose it into a directed acyclic graph (DAG) of tasks.

Output ONLY valid JSON matching this schema:
{
  "tasks": [
    {
      "id": "t1",
      "kind": "generate|reason|transform|summarize|synthesize",
      "description": "...",
      "requirements": {"capability": "text-generation", "min_quality": 0.7},
      "criteria": ["criterion1", "criterion2"]
    }
  ],
  "edges": [
    {"from": "t1", "to": "t2", "join": "all|any"}
  ]
}

User request: %s

Return ONLY the JSON object, no markdown fences, no prose.`

// rawTask/rawEdge/rawPlan mirror the planner's wire schema before it's
// converted into task.Task/task.Edge and validated into a task.DAG.
type rawTask struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Description  string          `json:"description"`
	Requirements rawRequirements `json:"requirements"`
	Criteria     []string        `json:"criteria"`
	Priority     int             `json:"priority"`
}

type rawRequirements struct {
	Capability string  `json:"capability"`
	MinQuality float64 `json:"min_quality"`
}

type rawEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Join string `json:"join"`
}

type rawPlan struct {
	Tasks []rawTask `json:"tasks"`
	Edges []rawEdge `json:"edges"`
}

// Planner is a pure function over user text producing a validated DAG.
type Planner interface {
	Plan(ctx context.Context, userText string) (*task.DAG, error)
}

// LLMPlanner prompts a provider adapter for a plan and auto-repairs
// common malformed-JSON shapes before validating the result.
type LLMPlanner struct {
	adapter     provider.Adapter
	maxTokens   int
	temperature float64
}

// New builds an LLMPlanner over adapter, the provider configured via
// AI3_PLANNER_MODEL/AI3_PLANNER_MAXTOK/AI3_PLANNER_TEMPERATURE.
func New(adapter provider.Adapter, maxTokens int, temperature float64) *LLMPlanner {
	return &LLMPlanner{adapter: adapter, maxTokens: maxTokens, temperature: temperature}
}

// Plan prompts the adapter for a DAG and validates it.
func (p *LLMPlanner) Plan(ctx context.Context, userText string) (*task.DAG, error) {
	resp, err := p.adapter.Generate(ctx, provider.GenerateRequest{
		Prompt:      fmt.Sprintf(promptTemplate, userText),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: provider call failed: %w", err)
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrInvalidDAG, err)
	}

	tasks, edges := plan.toTasksAndEdges()
	dag, err := task.New(tasks, edges)
	if err != nil {
		return nil, err
	}
	return dag, nil
}

func (p rawPlan) toTasksAndEdges() ([]*task.Task, []task.Edge) {
	tasks := make([]*task.Task, 0, len(p.Tasks))
	for _, rt := range p.Tasks {
		kind := task.Kind(rt.Kind)
		if kind == "" {
			kind = task.KindGenerate
		}
		tasks = append(tasks, &task.Task{
			ID:          rt.ID,
			Description: rt.Description,
			Kind:        kind,
			Requirements: task.Requirements{
				Capability: rt.Requirements.Capability,
				MinQuality: rt.Requirements.MinQuality,
			},
			Criteria: rt.Criteria,
			Priority: rt.Priority,
		})
	}

	edges := make([]task.Edge, 0, len(p.Edges))
	for _, re := range p.Edges {
		join := task.Join(re.Join)
		if join == "" {
			join = task.JoinAll
		}
		edges = append(edges, task.Edge{From: re.From, To: re.To, Join: join})
	}
	return tasks, edges
}

var fencePattern = regexp.MustCompile("```(?:json)?")
var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

// parsePlan strips markdown fences and attempts a direct JSON parse, then
// progressively repairs the text: extracting the first balanced `{...}`
// block (or everything from the first `{` when it never closes),
// balancing unmatched braces, and stripping trailing commas, giving up
// only after all of these fail.
func parsePlan(raw string) (rawPlan, error) {
	raw = fencePattern.ReplaceAllString(raw, "")
	raw = strings.TrimSpace(raw)

	var plan rawPlan
	if err := json.Unmarshal([]byte(raw), &plan); err == nil {
		return plan, nil
	}

	if start := strings.Index(raw, "{"); start >= 0 {
		match := raw[start:]
		depth := 0
		for i := start; i < len(raw); i++ {
			if raw[i] == '{' {
				depth++
			} else if raw[i] == '}' {
				depth--
				if depth == 0 {
					match = raw[start : i+1]
					break
				}
			}
		}
		if err := json.Unmarshal([]byte(match), &plan); err == nil {
			return plan, nil
		}
		raw = match
	}

	raw = balanceBraces(raw)
	if err := json.Unmarshal([]byte(raw), &plan); err == nil {
		return plan, nil
	}

	raw = trailingComma.ReplaceAllString(raw, "$1")
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return rawPlan{}, fmt.Errorf("failed to parse planner output after repair: %w", err)
	}
	return plan, nil
}

func balanceBraces(raw string) string {
	open := strings.Count(raw, "{")
	close := strings.Count(raw, "}")
	if open > close {
		raw += strings.Repeat("}", open-close)
	} else if close > open {
		raw = strings.Repeat("{", close-open) + raw
	}
	return raw
}
