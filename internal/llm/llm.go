// Package llm is the text-generation port: a single Generate call implemented
// by provider adapters and decorated by middleware.
package llm

import "context"

// Request is one text-generation call.
type Request struct {
	System string
	Prompt string
	// SchemaHint describes the JSON shape the caller expects. Adapters that
	// support a JSON output mode switch it on when the hint is set.
	SchemaHint  string
	MaxTokens   int
	Temperature *float64
}

// Generator produces text for a prompt. Failures are *model.ProviderError.
// Implementations never retry.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Middleware wraps a Generator with extra behaviour.
type Middleware func(next Generator) Generator

// Chain composes middlewares around base. The first middleware is outermost:
// Chain(g, a, b) calls a -> b -> g.
func Chain(base Generator, middlewares ...Middleware) Generator {
	g := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		g = middlewares[i](g)
	}
	return g
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
