package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
	"github.com/yangwenmai/sdragent/internal/retry"
)

// Fact keys written by Normalize.
const (
	FactCompanyName = "company_name"
	FactTitle       = "title"
	FactDescription = "description"
	FactPainPoints  = "pain_points"
	FactValueProps  = "value_props"
	FactSources     = "sources"
	FactExcerpt     = "excerpt"
	FactAuthor      = "author"
)

const summarySignalRunes = 350

// Step runs a Fetcher under the retry policy and normalises its output.
type Step struct {
	fetcher       Fetcher
	policy        retry.Policy
	tokens        *llm.TokenCounter
	excerptTokens int
	now           func() time.Time
}

// NewStep creates a research step. tokens may be nil, in which case excerpts
// are sized by a byte estimate.
func NewStep(fetcher Fetcher, policy retry.Policy, tokens *llm.TokenCounter, excerptTokens int) *Step {
	if excerptTokens <= 0 {
		excerptTokens = 400
	}
	return &Step{
		fetcher:       fetcher,
		policy:        policy,
		tokens:        tokens,
		excerptTokens: excerptTokens,
		now:           time.Now,
	}
}

// Research fetches and normalises context for domain. A collaborator that
// fails permanently produces a gap snapshot; only an exhausted retry budget
// or cancellation fails the step.
func (s *Step) Research(ctx context.Context, domain string) (model.ResearchSnapshot, error) {
	res, err := retry.Do(ctx, s.policy, func(ctx context.Context) (Result, error) {
		return s.fetcher.Fetch(ctx, domain)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) || ctx.Err() != nil {
			return model.ResearchSnapshot{}, err
		}
		slog.Warn("research collaborator failed, continuing with gap", "domain", domain, "error", err)
		res = nil
	}
	return s.Normalize(domain, res), nil
}

// Normalize maps a raw Result into a snapshot. Results with no title, text
// or excerpt become a gap snapshot with no facts.
func (s *Step) Normalize(domain string, res Result) model.ResearchSnapshot {
	snap := model.ResearchSnapshot{
		Domain:      domain,
		Facts:       map[string]string{},
		RetrievedAt: s.now().UTC(),
	}

	title := stringField(res, "title")
	text := stringField(res, "text")
	excerpt := stringField(res, "excerpt")
	if title == "" && text == "" && excerpt == "" {
		snap.Gap = true
		snap.Summary = fmt.Sprintf("Limited public data found for %s.", domain)
		return snap
	}

	company := CompanyName(domain, title)
	visible := text
	if visible == "" {
		visible = excerpt
	}

	snap.Facts[FactCompanyName] = company
	snap.Facts[FactPainPoints] = strings.Join(PainPoints(visible), "; ")
	snap.Facts[FactValueProps] = strings.Join(ValueProps(visible), "; ")
	setIf(snap.Facts, FactTitle, title)
	setIf(snap.Facts, FactDescription, excerpt)
	setIf(snap.Facts, FactAuthor, stringField(res, "byline"))
	if src := stringField(res, "url"); src != "" {
		snap.Facts[FactSources] = src
	} else {
		snap.Facts[FactSources] = "https://" + domain
	}
	if text != "" {
		snap.Facts[FactExcerpt] = s.tokens.Truncate(text, s.excerptTokens)
	}
	snap.Summary = Summary(company, visible)
	return snap
}

// CompanyName prefers the page title before any "|" or "-" separator and
// falls back to the capitalised first label of the domain.
func CompanyName(domain, title string) string {
	if title != "" {
		guess, _, _ := strings.Cut(title, "|")
		guess, _, _ = strings.Cut(guess, "-")
		if guess = strings.TrimSpace(guess); utf8.RuneCountInString(guess) > 2 {
			return guess
		}
	}
	root, _, _ := strings.Cut(domain, ".")
	if root == "" {
		return domain
	}
	return strings.ToUpper(root[:1]) + root[1:]
}

// Summary is a one-line description built from the start of the page text.
func Summary(company, visible string) string {
	visible = strings.Join(strings.Fields(visible), " ")
	if visible == "" {
		return fmt.Sprintf("Limited public data found for %s.", company)
	}
	if runes := []rune(visible); len(runes) > summarySignalRunes {
		visible = string(runes[:summarySignalRunes])
	}
	return fmt.Sprintf("%s appears focused on: %s", company, visible)
}

type signal struct {
	pattern *regexp.Regexp
	text    string
}

var painSignals = []signal{
	{regexp.MustCompile(`(?i)manual`), "Likely manual workflows can be automated."},
	{regexp.MustCompile(`(?i)scal(e|ing)`), "Growth may strain existing prospecting process."},
	{regexp.MustCompile(`(?i)\bdata\b`), "Data fragmentation may reduce targeting quality."},
	{regexp.MustCompile(`(?i)customer`), "Maintaining message relevance across segments may be hard."},
}

var valueSignals = []signal{
	{regexp.MustCompile(`(?i)\bai\b|automat`), "Automate repetitive outbound tasks while keeping personalization."},
	{regexp.MustCompile(`(?i)\bsales\b|revenue`), "Lift conversion with account-specific outreach."},
}

// PainPoints maps keyword signals in the page text to at most three likely
// outbound pain points.
func PainPoints(text string) []string {
	return match(text, painSignals, "Could benefit from more personalized outbound at scale.")
}

// ValueProps maps keyword signals to value propositions.
func ValueProps(text string) []string {
	return match(text, valueSignals, "Generate tailored outbound copy from lightweight research.")
}

func match(text string, signals []signal, fallback string) []string {
	var out []string
	for _, s := range signals {
		if s.pattern.MatchString(text) {
			out = append(out, s.text)
		}
		if len(out) == 3 {
			break
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}

func stringField(res Result, key string) string {
	switch v := res[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []string:
		return strings.TrimSpace(strings.Join(v, " "))
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func setIf(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
