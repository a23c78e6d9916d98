// Package verifier evaluates an artifact against quality criteria and
// classifies the outcome as pass, repair, or fallback.
package verifier

import (
	"regexp"
	"strings"

	"github.com/petec4244/ai3orchestrator/pkg/task"
)

const (
	minResponseLength = 10
	minResponseTokens = 10
	passThreshold     = 0.7
	repairThreshold   = 0.5
	criterionPassMark = 0.5
	longResponseChars = 100
	longResponseScore = 0.8
)

var placeholderPattern = regexp.MustCompile(`(?i)^(todo|tbd|coming soon|not implemented|\.\.\.|…|error|failed|unable)$`)

var failurePhrases = []string{
	"i cannot", "i can't", "unable to", "don't have access",
	"not possible", "error occurred", "failed to", "couldn't",
	"insufficient information", "apologize",
}

var synonyms = map[string][]string{
	"complete": {"done", "completed", "successfully", "finished"},
	"success":  {"done", "completed", "successfully", "finished"},
	"valid":    {"done", "completed", "successfully", "finished"},
	"test":     {"tested", "verified", "validated", "passed"},
	"verify":   {"tested", "verified", "validated", "passed"},
	"error":    {"fixed", "resolved", "corrected", "solved"},
	"bug":      {"fixed", "resolved", "corrected", "solved"},
	"fix":      {"fixed", "resolved", "corrected", "solved"},
}

// CustomValidator is an optional per-task-kind injected check.
type CustomValidator func(kind task.Kind, response string) (score float64, ran bool)

// Result is the outcome of verifying one artifact.
type Result struct {
	Passed              bool            `json:"passed"`
	Score               float64         `json:"score"`
	Criteria            map[string]bool `json:"criteria"`
	Feedback            string          `json:"feedback"`
	NeedsRepair         bool            `json:"needs_repair"`
	FallbackRecommended bool            `json:"fallback_recommended"`
	SuggestedFixes      []string        `json:"suggested_fixes"`
}

// Verifier is stateless; Verify is deterministic given the same inputs.
type Verifier struct {
	custom CustomValidator
}

// New builds a Verifier, optionally with a custom validator.
func New(custom CustomValidator) *Verifier {
	return &Verifier{custom: custom}
}

// Verify scores response against t's criteria and the task kind.
func (v *Verifier) Verify(t *task.Task, response string, outputTokens int) Result {
	var subScores []float64
	criteria := map[string]bool{}
	var feedback []string
	var fixes []string

	basic := basicQuality(response, outputTokens)
	subScores = append(subScores, basic)
	criteria["basic_quality"] = basic >= criterionPassMark
	if basic < criterionPassMark {
		feedback = append(feedback, "response failed basic quality checks (too short or placeholder-like)")
		fixes = append(fixes, "produce a complete, non-placeholder response of adequate length")
	}

	for _, c := range t.Criteria {
		score := evaluateCriterion(c, response)
		subScores = append(subScores, score)
		criteria[c] = score >= criterionPassMark
		if score < criterionPassMark {
			feedback = append(feedback, "criterion \""+c+"\" was not satisfied")
			fixes = append(fixes, "address criterion: "+c)
		}
	}

	// Blank content has no phrases to scan, so the failure-pattern check
	// only runs on non-blank responses.
	if strings.TrimSpace(response) != "" {
		failure := failurePatternScore(response)
		subScores = append(subScores, failure)
		criteria["no_failure_patterns"] = failure >= criterionPassMark
		if failure < criterionPassMark {
			feedback = append(feedback, "response contains refusal or apology language")
			fixes = append(fixes, "remove refusal/apology language and attempt the task directly")
		}
	}

	if v.custom != nil {
		if score, ran := v.custom(t.Kind, response); ran {
			subScores = append(subScores, score)
			criteria["custom"] = score >= criterionPassMark
		}
	}

	score := mean(subScores)
	result := Result{
		Score:               score,
		Criteria:            criteria,
		Passed:              score >= passThreshold,
		NeedsRepair:         score < repairThreshold,
		FallbackRecommended: score < repairThreshold,
		SuggestedFixes:      fixes,
	}
	if len(feedback) == 0 {
		result.Feedback = "all quality checks passed"
	} else {
		result.Feedback = strings.Join(feedback, "; ")
	}
	return result
}

func basicQuality(response string, outputTokens int) float64 {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) < minResponseLength {
		return 0.0
	}
	if placeholderPattern.MatchString(strings.ToLower(trimmed)) {
		return 0.0
	}
	if outputTokens < minResponseTokens {
		return 0.0
	}
	return 1.0
}

func evaluateCriterion(criterion, response string) float64 {
	lower := strings.ToLower(strings.TrimSpace(criterion))
	switch {
	case lower == "non-empty":
		if strings.TrimSpace(response) != "" {
			return 1.0
		}
		return 0.0
	case strings.HasPrefix(lower, "min-length-"):
		n := parseMinLength(lower)
		if len(response) >= n {
			return 1.0
		}
		return 0.0
	case lower == "coherent":
		if len(strings.Fields(response)) >= 10 {
			return 1.0
		}
		return 0.0
	default:
		return freeFormScore(lower, response)
	}
}

func parseMinLength(lower string) int {
	suffix := strings.TrimPrefix(lower, "min-length-")
	n := 0
	for _, r := range suffix {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func freeFormScore(criterion, response string) float64 {
	respLower := strings.ToLower(response)
	for key, words := range synonyms {
		if strings.Contains(criterion, key) {
			for _, w := range words {
				if strings.Contains(respLower, w) {
					return 1.0
				}
			}
		}
	}
	if len(response) > longResponseChars {
		return longResponseScore
	}
	return 0.3
}

func failurePatternScore(response string) float64 {
	lower := strings.ToLower(response)
	count := 0
	for _, phrase := range failurePhrases {
		if strings.Contains(lower, phrase) {
			count++
		}
	}
	switch {
	case count >= 3:
		return 0.0
	case count >= 1:
		return 0.5
	default:
		return 1.0
	}
}

func mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
