package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/yangwenmai/sdragent/internal/model"
)

// CallObserver receives the outcome of every provider call.
type CallObserver interface {
	ObserveCall(provider string, elapsed time.Duration, err error)
}

// WithTimeout bounds each call. A call that runs out of time while the caller's
// context is still live fails as a transient provider_unavailable error.
func WithTimeout(d time.Duration) Middleware {
	return func(next Generator) Generator {
		if d <= 0 {
			return next
		}
		return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			out, err := next.Generate(callCtx, req)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				var pe *model.ProviderError
				if !errors.As(err, &pe) {
					err = model.Unavailable("timeout", fmt.Errorf("call exceeded %s: %w", d, err))
				}
			}
			return out, err
		})
	}
}

// WithRateLimit shares one token bucket across all calls through the chain.
func WithRateLimit(rps float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next Generator) Generator {
		return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", model.Unavailable("ratelimit", err)
			}
			return next.Generate(ctx, req)
		})
	}
}

// WithTokenBudget clamps MaxTokens to maxOutput and rejects prompts whose
// system plus user text exceeds contextTokens. Oversized prompts are a
// permanent rejection since resending them cannot succeed.
func WithTokenBudget(counter *TokenCounter, contextTokens, maxOutput int) Middleware {
	return func(next Generator) Generator {
		return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
			if maxOutput > 0 && (req.MaxTokens <= 0 || req.MaxTokens > maxOutput) {
				req.MaxTokens = maxOutput
			}
			if contextTokens > 0 {
				if n := counter.Count(req.System) + counter.Count(req.Prompt); n > contextTokens {
					e := model.Rejected("budget", 0, fmt.Errorf("prompt uses %d tokens, budget is %d", n, contextTokens))
					e.Permanent = true
					return "", e
				}
			}
			return next.Generate(ctx, req)
		})
	}
}

// WithObserver reports latency and outcome of each call.
func WithObserver(provider string, obs CallObserver) Middleware {
	return func(next Generator) Generator {
		return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
			start := time.Now()
			out, err := next.Generate(ctx, req)
			obs.ObserveCall(provider, time.Since(start), err)
			return out, err
		})
	}
}

// WithLogging logs each call at debug level and failures at warn. Prompt
// text is never logged.
func WithLogging(provider string) Middleware {
	return func(next Generator) Generator {
		return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
			start := time.Now()
			out, err := next.Generate(ctx, req)
			elapsed := time.Since(start)
			if err != nil {
				slog.Warn("llm call failed", "provider", provider, "elapsed", elapsed, "kind", model.KindOf(err), "error", err)
				return out, err
			}
			slog.Debug("llm call", "provider", provider, "elapsed", elapsed,
				"prompt_chars", len(req.Prompt), "response_chars", len(out))
			return out, nil
		})
	}
}
