package model

import (
	"math"
	"strings"
	"time"
)

// ResearchSnapshot is the normalised research context for one domain.
// Gap is set when the collaborator produced no usable facts.
type ResearchSnapshot struct {
	Domain      string            `json:"domain"`
	Facts       map[string]string `json:"facts"`
	Summary     string            `json:"summary"`
	RetrievedAt time.Time         `json:"retrieved_at"`
	Gap         bool              `json:"gap"`
}

// Fact returns the fact stored under key, or fallback when absent.
func (s ResearchSnapshot) Fact(key, fallback string) string {
	if v, ok := s.Facts[key]; ok && v != "" {
		return v
	}
	return fallback
}

// DraftEmail is one candidate outbound email.
type DraftEmail struct {
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	CallToAction string `json:"call_to_action"`
	Round        int    `json:"round"`
	Notes        string `json:"notes,omitempty"`
}

// Critique is the reviewer verdict on a draft.
type Critique struct {
	Verdict string   `json:"verdict"`
	Score   int      `json:"score,omitempty"`
	Issues  []string `json:"issues"`
	Fixes   []string `json:"fixes"`
}

// Passed reports whether the draft can be accepted as-is. The verdict's
// first word decides, ignoring case and trailing punctuation, so "Pass.",
// "passed" and "PASS - ready to send" all count.
func (c Critique) Passed() bool {
	words := strings.Fields(strings.ToLower(c.Verdict))
	if len(words) == 0 {
		return false
	}
	switch strings.TrimRight(words[0], ".,;:!-") {
	case "pass", "passed", "passes":
		return true
	}
	return false
}

// RoundTrace records one draft together with the critique it received.
type RoundTrace struct {
	Draft    DraftEmail `json:"draft"`
	Critique *Critique  `json:"critique,omitempty"`
}

const (
	MinScore = 1.0
	MaxScore = 10.0
)

// Evaluation holds per-dimension quality scores for a final draft.
type Evaluation struct {
	Relevance       float64 `json:"relevance"`
	Personalization float64 `json:"personalization"`
	Tone            float64 `json:"tone"`
	Clarity         float64 `json:"clarity"`
	Overall         float64 `json:"overall"`
	Rationale       string  `json:"rationale"`
}

// NewEvaluation clamps each dimension into [MinScore, MaxScore] and derives
// Overall from them.
func NewEvaluation(relevance, personalization, tone, clarity float64, rationale string) Evaluation {
	e := Evaluation{
		Relevance:       ClampScore(relevance),
		Personalization: ClampScore(personalization),
		Tone:            ClampScore(tone),
		Clarity:         ClampScore(clarity),
		Rationale:       rationale,
	}
	e.Overall = Aggregate(e.Relevance, e.Personalization, e.Tone, e.Clarity)
	return e
}

// ClampScore bounds v to the score range. NaN maps to MinScore.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) || v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// Aggregate is the unweighted mean of the given dimension scores.
func Aggregate(scores ...float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
