package engine

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
)

type draftPayload struct {
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	CallToAction string `json:"call_to_action"`
	Notes        string `json:"notes"`
}

type critiquePayload struct {
	Verdict string   `json:"verdict"`
	Score   *float64 `json:"score"`
	Issues  []string `json:"issues"`
	Fixes   []string `json:"fixes"`
}

// LoopResult is the outcome of the draft/reflect loop.
type LoopResult struct {
	Final         model.DraftEmail
	FinalCritique model.Critique
	Rounds        []model.RoundTrace
}

// Drafter writes drafts and critiques them until one passes or the round
// budget is spent.
type Drafter struct {
	c caller
}

// NewDrafter creates a drafter. s.MaxRounds bounds the number of redrafts.
func NewDrafter(gen llm.Generator, s Settings) *Drafter {
	if s.MaxRounds < 0 {
		s.MaxRounds = 0
	}
	return &Drafter{c: newCaller(gen, s)}
}

// MaxRounds is the configured redraft budget.
func (d *Drafter) MaxRounds() int { return d.c.settings.MaxRounds }

// Draft writes the draft for round. Rounds after the first rework prev using
// the critique it received.
func (d *Drafter) Draft(ctx context.Context, snap model.ResearchSnapshot, round int, prev *model.DraftEmail, critique *model.Critique) (model.DraftEmail, error) {
	prompt := buildDraftPrompt(snap)
	if prev != nil && critique != nil {
		prompt = buildRedraftPrompt(snap, *prev, *critique)
	}
	p, err := callStructured[draftPayload](ctx, d.c, prompt, draftSchema)
	if err != nil {
		return model.DraftEmail{}, err
	}
	return model.DraftEmail{
		Subject:      strings.Join(strings.Fields(plainText(p.Subject)), " "),
		Body:         plainText(p.Body),
		CallToAction: plainText(p.CallToAction),
		Round:        round,
		Notes:        strings.TrimSpace(p.Notes),
	}, nil
}

// Critique reviews a draft.
func (d *Drafter) Critique(ctx context.Context, snap model.ResearchSnapshot, draft model.DraftEmail) (model.Critique, error) {
	p, err := callStructured[critiquePayload](ctx, d.c, buildCritiquePrompt(snap, draft), critiqueSchema)
	if err != nil {
		return model.Critique{}, err
	}
	c := model.Critique{
		Verdict: strings.ToLower(strings.TrimSpace(p.Verdict)),
		Issues:  nonEmpty(p.Issues),
		Fixes:   nonEmpty(p.Fixes),
	}
	if c.Passed() {
		c.Verdict = "pass"
	} else {
		c.Verdict = "fail"
	}
	if p.Score != nil {
		c.Score = int(math.Round(model.ClampScore(*p.Score)))
	}
	return c, nil
}

// Refine runs the critique/redraft cycle starting from the round-0 draft.
// It accepts a draft when its critique passes or when the draft's round
// reaches MaxRounds, so at most MaxRounds redrafts happen.
func (d *Drafter) Refine(ctx context.Context, snap model.ResearchSnapshot, first model.DraftEmail) (LoopResult, error) {
	current := first
	var rounds []model.RoundTrace
	for {
		critique, err := d.Critique(ctx, snap, current)
		if err != nil {
			return LoopResult{Rounds: rounds}, err
		}
		rounds = append(rounds, model.RoundTrace{Draft: current, Critique: &critique})

		if critique.Passed() || current.Round >= d.MaxRounds() {
			slog.Debug("draft accepted", "domain", snap.Domain, "round", current.Round,
				"verdict", critique.Verdict, "score", critique.Score)
			return LoopResult{Final: current, FinalCritique: critique, Rounds: rounds}, nil
		}

		slog.Debug("draft rejected", "domain", snap.Domain, "round", current.Round, "issues", len(critique.Issues))
		next, err := d.Draft(ctx, snap, current.Round+1, &current, &critique)
		if err != nil {
			return LoopResult{Rounds: rounds}, err
		}
		current = next
	}
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
