package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage names one step of the drafting pipeline.
type Stage string

const (
	StageResearch Stage = "research"
	StageGenerate Stage = "generate"
	StageReflect  Stage = "reflect"
	StageEvaluate Stage = "evaluate"
	StagePersist  Stage = "persist"
)

// RunContext identifies a single pipeline invocation.
type RunContext struct {
	RunID     string    `json:"run_id"`
	Domain    string    `json:"domain"`
	StartedAt time.Time `json:"started_at"`
}

// NewRunContext creates a RunContext with a fresh run id.
func NewRunContext(domain string, now time.Time) RunContext {
	return RunContext{
		RunID:     uuid.New().String(),
		Domain:    domain,
		StartedAt: now.UTC(),
	}
}

// NormalizeDomain turns user input such as "https://www.Acme.com/about" into
// a bare host ("acme.com").
func NormalizeDomain(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, raw)
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	host = strings.TrimSuffix(host, ".")
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " _") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, raw)
	}
	return host, nil
}

// FailureRecord is persisted when a run stops before producing a draft.
type FailureRecord struct {
	RunID     string    `json:"run_id"`
	Domain    string    `json:"domain"`
	Stage     Stage     `json:"stage"`
	ErrorKind ErrorKind `json:"error_kind"`
	CauseKind ErrorKind `json:"cause_kind,omitempty"`
	Attempts  int       `json:"attempts"`
	Message   string    `json:"message"`
	FailedAt  time.Time `json:"failed_at"`
}

// PersistedRecord is the full trace of a successful run.
type PersistedRecord struct {
	Run           RunContext       `json:"run"`
	Research      ResearchSnapshot `json:"research"`
	Draft         DraftEmail       `json:"draft"`
	Evaluation    Evaluation       `json:"evaluation"`
	Rounds        []RoundTrace     `json:"rounds,omitempty"`
	FinalCritique *Critique        `json:"final_critique,omitempty"`
	CompletedAt   time.Time        `json:"completed_at"`
}
