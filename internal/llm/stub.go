package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StubClient is a deterministic offline generator. It answers based on the
// JSON shape named in Request.SchemaHint. Script, when non-empty, is consumed
// in order before the built-in answers are used.
type StubClient struct {
	mu     sync.Mutex
	Script []string
	calls  int
}

// Calls returns how many times Generate has been called.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls++
	if len(s.Script) > 0 {
		next := s.Script[0]
		s.Script = s.Script[1:]
		s.mu.Unlock()
		return next, nil
	}
	s.mu.Unlock()

	var v any
	switch hint := req.SchemaHint; {
	case strings.Contains(hint, "call_to_action"):
		company := promptValue(req.Prompt, "Company:", "your team")
		v = map[string]any{
			"subject":        fmt.Sprintf("Idea for %s outbound", company),
			"body":           fmt.Sprintf("Hi there,\n\nI noticed %s is growing its pipeline. Teams like yours use lightweight research to tailor every first touch without adding headcount.\n\nWould it be useful to compare notes on what is working for you today?", company),
			"call_to_action": "Open to a 15-minute call next week?",
			"notes":          "stub draft",
		}
	case strings.Contains(hint, "verdict"):
		v = map[string]any{
			"verdict": "pass",
			"score":   8,
			"issues":  []string{},
			"fixes":   []string{},
		}
	case strings.Contains(hint, "relevance"):
		v = map[string]any{
			"relevance":       8,
			"personalization": 7,
			"tone":            8,
			"clarity":         9,
			"rationale":       "Stub evaluation: concise and on-topic.",
		}
	default:
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// promptValue returns the rest of the first line starting with prefix.
func promptValue(prompt, prefix, fallback string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			if v := strings.TrimSpace(rest); v != "" {
				return v
			}
		}
	}
	return fallback
}
