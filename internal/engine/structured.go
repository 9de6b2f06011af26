package engine

import (
	"context"

	"github.com/yangwenmai/sdragent/internal/guard"
	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/retry"
)

// Settings are the per-call knobs shared by the drafter and evaluator.
type Settings struct {
	MaxRounds   int
	MaxTokens   int
	Temperature *float64
	Policy      retry.Policy
}

// caller runs Generator then Guard under the retry policy. Every structured
// call in the engine goes through it.
type caller struct {
	gen      llm.Generator
	guard    *guard.Guard
	settings Settings
}

func newCaller(gen llm.Generator, s Settings) caller {
	return caller{
		gen:      gen,
		guard:    guard.New(gen, s.MaxTokens, s.Temperature),
		settings: s,
	}
}

func callStructured[T any](ctx context.Context, c caller, prompt string, schema guard.Schema) (T, error) {
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		SchemaHint:  schema.Hint(),
		MaxTokens:   c.settings.MaxTokens,
		Temperature: c.settings.Temperature,
	}
	return retry.Do(ctx, c.settings.Policy, func(ctx context.Context) (T, error) {
		raw, err := c.gen.Generate(ctx, req)
		if err != nil {
			var zero T
			return zero, err
		}
		return guard.Coerce[T](ctx, c.guard, raw, schema)
	})
}
