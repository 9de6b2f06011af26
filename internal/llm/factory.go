package llm

import (
	"errors"
	"fmt"

	"github.com/yangwenmai/sdragent/internal/config"
)

// ErrMockNotAllowed is returned when the mock provider is requested without
// ALLOW_MOCK_LLM.
var ErrMockNotAllowed = errors.New("mock provider requires ALLOW_MOCK_LLM=true")

// NewProvider returns the bare adapter for cfg.LLMProvider.
func NewProvider(cfg config.Config) (Generator, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		opts := []OpenAIOption{WithModel(cfg.OpenAIModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.OpenAIBaseURL))
		}
		return NewOpenAIClient(cfg.OpenAIKey, opts...), nil
	case config.ProviderClaude:
		return NewClaudeClient(cfg.AnthropicKey, WithClaudeModel(cfg.AnthropicModel)), nil
	case config.ProviderGemini:
		return NewGeminiClient(cfg.GeminiKey, WithGeminiModel(cfg.GeminiModel)), nil
	case config.ProviderOllama:
		return NewOllamaClient(WithOllamaURL(cfg.OllamaURL), WithOllamaModel(cfg.OllamaModel))
	case config.ProviderMock:
		if !cfg.AllowMockLLM {
			return nil, ErrMockNotAllowed
		}
		return &StubClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

// New builds the configured provider wrapped in the standard middleware:
// logging, observation, token budget, rate limiting and per-call timeout.
// obs may be nil.
func New(cfg config.Config, obs CallObserver) (Generator, error) {
	base, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	counter, err := NewTokenCounter()
	if err != nil {
		return nil, err
	}

	mws := []Middleware{WithLogging(cfg.LLMProvider)}
	if obs != nil {
		mws = append(mws, WithObserver(cfg.LLMProvider, obs))
	}
	mws = append(mws, WithTokenBudget(counter, cfg.LLMContextTokens, cfg.LLMMaxTokens))
	if cfg.LLMRateLimit > 0 {
		mws = append(mws, WithRateLimit(cfg.LLMRateLimit, cfg.LLMRateBurst))
	}
	mws = append(mws, WithTimeout(cfg.LLMTimeout))
	return Chain(base, mws...), nil
}
