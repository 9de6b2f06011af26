package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yangwenmai/sdragent/internal/guard"
	"github.com/yangwenmai/sdragent/internal/model"
	"github.com/yangwenmai/sdragent/internal/research"
)

const maxBodyWords = 140

const systemPrompt = "You are a senior SDR who writes concise, specific B2B outbound email. You always answer with a single JSON object."

var draftSchema = guard.Schema{
	Name: "draft",
	Fields: []guard.Field{
		{Name: "subject", Type: guard.String},
		{Name: "body", Type: guard.String},
		{Name: "call_to_action", Type: guard.String},
		{Name: "notes", Type: guard.String, Optional: true},
	},
}

var critiqueSchema = guard.Schema{
	Name: "critique",
	Fields: []guard.Field{
		{Name: "verdict", Type: guard.String},
		{Name: "score", Type: guard.Number, Optional: true},
		{Name: "issues", Type: guard.StringList, Optional: true},
		{Name: "fixes", Type: guard.StringList, Optional: true},
	},
}

var evaluationSchema = guard.Schema{
	Name: "evaluation",
	Fields: []guard.Field{
		{Name: "relevance", Type: guard.Number},
		{Name: "personalization", Type: guard.Number},
		{Name: "tone", Type: guard.Number},
		{Name: "clarity", Type: guard.Number},
		{Name: "rationale", Type: guard.Any},
	},
}

func returnJSON(s guard.Schema) string {
	return fmt.Sprintf("Return ONLY strict JSON with keys: %s.\nShape: %s", strings.Join(s.Keys(), ", "), s.Hint())
}

// companyContext renders the research snapshot for prompts.
func companyContext(snap model.ResearchSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Company: %s\n", snap.Fact(research.FactCompanyName, research.CompanyName(snap.Domain, "")))
	fmt.Fprintf(&sb, "Domain: %s\n", snap.Domain)
	fmt.Fprintf(&sb, "Summary: %s\n", snap.Summary)
	if snap.Gap {
		sb.WriteString("Research: no public information was found; keep claims general and do not invent facts.\n")
		return sb.String()
	}

	keys := make([]string, 0, len(snap.Facts))
	for k := range snap.Facts {
		if k != research.FactCompanyName && k != research.FactExcerpt {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ReplaceAll(k, "_", " "), snap.Facts[k])
	}
	if ex := snap.Facts[research.FactExcerpt]; ex != "" {
		fmt.Fprintf(&sb, "Homepage excerpt: %s\n", ex)
	}
	return sb.String()
}

func emailBlock(d model.DraftEmail) string {
	return fmt.Sprintf("Subject: %s\nBody: %s\nCTA: %s\n", d.Subject, d.Body, d.CallToAction)
}

func buildDraftPrompt(snap model.ResearchSnapshot) string {
	return fmt.Sprintf(`Write one cold outbound email.
%s
Constraints:
- Body <= %d words
- No markdown
- Concrete and specific, avoid generic buzzwords
- Include one clear CTA

%s`, returnJSON(draftSchema), maxBodyWords, companyContext(snap))
}

func buildRedraftPrompt(snap model.ResearchSnapshot, prev model.DraftEmail, c model.Critique) string {
	return fmt.Sprintf(`Rewrite the outbound email based on the review below.
%s
Constraints:
- Body <= %d words
- No markdown
- Preserve a clear CTA
- Improve relevance and specificity, remove fluff

%s
Current email:
%s
Issues:
%s
Fix directives:
%s`, returnJSON(draftSchema), maxBodyWords, companyContext(snap), emailBlock(prev), bullets(c.Issues), bullets(c.Fixes))
}

func buildCritiquePrompt(snap model.ResearchSnapshot, d model.DraftEmail) string {
	return fmt.Sprintf(`Critique this outbound email as a strict reviewer.
%s
- verdict: "pass" if the email is ready to send, otherwise "fail"
- score: integer 1-10 (1-3 poor fit, 4-6 generic, 7-8 strong, 9-10 exceptional); use the full range
- issues: concrete problems, empty when passing
- fixes: one directive per issue

Body must be <= %d words, contain no markdown and end with a single clear CTA.

%s
Email:
%s`, returnJSON(critiqueSchema), maxBodyWords, companyContext(snap), emailBlock(d))
}

func buildEvaluationPrompt(snap model.ResearchSnapshot, d model.DraftEmail) string {
	return fmt.Sprintf(`Evaluate this outbound email.
%s
Each score must be an integer 1-10:
- relevance: fit to company context and problem
- personalization: company-specific details vs generic copy
- tone: professional, concise, credible
- clarity: message structure and CTA clarity
Use the full scale; do not cluster scores around 7. If a dimension is weak, score it lower even if others are strong.
rationale should briefly justify each sub-score.

%s
Email:
%s`, returnJSON(evaluationSchema), companyContext(snap), emailBlock(d))
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- " + it)
	}
	return sb.String()
}
