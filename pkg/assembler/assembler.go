// Package assembler merges a DAG's final artifacts into one response,
// following a configured strategy.
package assembler

import (
	"fmt"
	"math"
	"strings"

	"github.com/petec4244/ai3orchestrator/pkg/artifact"
	"github.com/petec4244/ai3orchestrator/pkg/task"
)

// Strategy selects how per-task artifacts are merged into one response.
type Strategy string

const (
	Concatenate Strategy = "concatenate"
	BestSingle  Strategy = "best-single"
	Synthesize  Strategy = "synthesize"
	Consensus   Strategy = "consensus" // reserved; behaves as Synthesize
)

// Response is the final merged output of a run.
type Response struct {
	Text              string                 `json:"text"`
	SourceArtifactIDs []string               `json:"source_artifact_ids"`
	Confidence        float64                `json:"confidence"`
	Method            string                 `json:"method"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Assembler combines completed tasks' artifacts into a Response.
type Assembler struct {
	strategy Strategy
}

// New builds an Assembler using strategy. An unrecognized strategy falls
// back to Concatenate.
func New(strategy Strategy) *Assembler {
	switch strategy {
	case Concatenate, BestSingle, Synthesize, Consensus:
	default:
		strategy = Concatenate
	}
	return &Assembler{strategy: strategy}
}

// byTask groups a task's artifacts (the primary attempt plus any
// repair/fallback attempts) in the order they were produced; only the
// last (most-repaired) one and its predecessors matter for best-single.
type byTask struct {
	task      task.Task
	artifacts []artifact.Artifact
}

// Assemble merges one artifact list (in task-completion order) using
// order to lay out tasks, and tasks for descriptions.
func (a *Assembler) Assemble(order []string, tasks map[string]task.Task, artifactsByTask map[string][]artifact.Artifact) Response {
	groups := make([]byTask, 0, len(order))
	for _, id := range order {
		t, ok := tasks[id]
		if !ok {
			continue
		}
		groups = append(groups, byTask{task: t, artifacts: artifactsByTask[id]})
	}

	if allFailed(groups) {
		return a.errorResponse(groups)
	}

	switch a.strategy {
	case BestSingle:
		return a.assembleBestSingle(groups)
	case Synthesize, Consensus:
		return a.assembleSynthesize(groups)
	default:
		return a.assembleConcatenate(groups)
	}
}

func allFailed(groups []byTask) bool {
	for _, g := range groups {
		if successfulArtifact(g.artifacts) != nil {
			return false
		}
	}
	return true
}

func successfulArtifact(artifacts []artifact.Artifact) *artifact.Artifact {
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Success {
			return &artifacts[i]
		}
	}
	return nil
}

func (a *Assembler) errorResponse(groups []byTask) Response {
	var lines []string
	for _, g := range groups {
		if len(g.artifacts) == 0 {
			lines = append(lines, fmt.Sprintf("%s: no artifact produced", g.task.ID))
			continue
		}
		last := g.artifacts[len(g.artifacts)-1]
		lines = append(lines, fmt.Sprintf("%s (%s): %s", g.task.ID, last.ProviderID, last.Error))
	}
	return Response{
		Text:       "Run failed: " + strings.Join(lines, "; "),
		Confidence: 0.0,
		Method:     string(a.strategy),
		Metadata:   map[string]interface{}{"failed_tasks": len(groups)},
	}
}

func (a *Assembler) assembleConcatenate(groups []byTask) Response {
	var b strings.Builder
	var sources []string
	for i, g := range groups {
		art := successfulArtifact(g.artifacts)
		if art == nil {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(fmt.Sprintf("## %s\n\n", g.task.Description))
		b.WriteString(art.Response)
		sources = append(sources, g.task.ID)
	}
	return Response{
		Text:              b.String(),
		SourceArtifactIDs: sources,
		Confidence:        averageConfidence(groups),
		Method:            string(Concatenate),
	}
}

func (a *Assembler) assembleBestSingle(groups []byTask) Response {
	var best *artifact.Artifact
	var bestTask string
	bestScore := -1.0
	var sources []string
	for _, g := range groups {
		art := successfulArtifact(g.artifacts)
		if art == nil {
			continue
		}
		sources = append(sources, g.task.ID)
		score := compositeQuality(*art)
		if score > bestScore {
			bestScore = score
			best = art
			bestTask = g.task.ID
		}
	}
	if best == nil {
		return Response{Text: "", Confidence: 0, Method: string(BestSingle)}
	}
	return Response{
		Text:              best.Response,
		SourceArtifactIDs: sources,
		Confidence:        bestScore,
		Method:            string(BestSingle),
		Metadata:          map[string]interface{}{"selected_task": bestTask},
	}
}

// assembleSynthesize picks, per task, the single artifact (direct if
// there's exactly one, else the best of several repair/fallback
// attempts) and concatenates the per-task picks, tagging multi-attempt
// tasks as synthesized.
func (a *Assembler) assembleSynthesize(groups []byTask) Response {
	var b strings.Builder
	var sources []string
	var synthesizedTasks []string

	for i, g := range groups {
		successful := successfulArtifacts(g.artifacts)
		if len(successful) == 0 {
			continue
		}

		var chosen artifact.Artifact
		if len(successful) == 1 {
			chosen = successful[0]
		} else {
			chosen = bestOf(successful)
			synthesizedTasks = append(synthesizedTasks, g.task.ID)
		}

		if i > 0 && b.Len() > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(fmt.Sprintf("## %s\n\n", g.task.Description))
		b.WriteString(chosen.Response)
		sources = append(sources, g.task.ID)
	}

	return Response{
		Text:              b.String(),
		SourceArtifactIDs: sources,
		Confidence:        averageConfidence(groups),
		Method:            string(a.strategy),
		Metadata:          map[string]interface{}{"synthesized_tasks": synthesizedTasks},
	}
}

func successfulArtifacts(artifacts []artifact.Artifact) []artifact.Artifact {
	var out []artifact.Artifact
	for _, art := range artifacts {
		if art.Success {
			out = append(out, art)
		}
	}
	return out
}

func bestOf(artifacts []artifact.Artifact) artifact.Artifact {
	best := artifacts[0]
	bestScore := compositeQuality(best)
	for _, art := range artifacts[1:] {
		if score := compositeQuality(art); score > bestScore {
			best = art
			bestScore = score
		}
	}
	return best
}

// compositeQuality is the verification score plus small bonuses for
// output volume and low latency, capped at 1.0.
func compositeQuality(art artifact.Artifact) float64 {
	score := 0.5
	if art.Verification != nil {
		score = art.Verification.Score
	}
	volumeBonus := math.Min(float64(art.OutputTokens)/1000.0, 0.1)
	latencyBonus := 0.0
	if art.Latency > 0 && art.Latency.Seconds() < 2 {
		latencyBonus = 0.05
	}
	return math.Min(score+volumeBonus+latencyBonus, 1.0)
}

func averageConfidence(groups []byTask) float64 {
	var sum float64
	var n int
	for _, g := range groups {
		if art := successfulArtifact(g.artifacts); art != nil {
			sum += compositeQuality(*art)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
