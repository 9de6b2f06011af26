package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
)

type evaluationPayload struct {
	Relevance       float64 `json:"relevance"`
	Personalization float64 `json:"personalization"`
	Tone            float64 `json:"tone"`
	Clarity         float64 `json:"clarity"`
	Rationale       any     `json:"rationale"`
}

// Evaluator scores a final draft on four dimensions.
type Evaluator struct {
	c caller
}

// NewEvaluator creates an evaluator.
func NewEvaluator(gen llm.Generator, s Settings) *Evaluator {
	return &Evaluator{c: newCaller(gen, s)}
}

// Evaluate scores draft. Scores are clamped into range and Overall is always
// computed here rather than taken from the model.
func (e *Evaluator) Evaluate(ctx context.Context, snap model.ResearchSnapshot, draft model.DraftEmail) (model.Evaluation, error) {
	p, err := callStructured[evaluationPayload](ctx, e.c, buildEvaluationPrompt(snap, draft), evaluationSchema)
	if err != nil {
		return model.Evaluation{}, err
	}
	return model.NewEvaluation(p.Relevance, p.Personalization, p.Tone, p.Clarity, rationaleText(p.Rationale)), nil
}

// rationaleText flattens whatever shape the model used for its rationale.
func rationaleText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(r)
	case []any:
		parts := make([]string, 0, len(r))
		for _, item := range r {
			if s := rationaleText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprint(r)
		}
		return string(b)
	default:
		return fmt.Sprint(r)
	}
}
