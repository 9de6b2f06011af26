// Package config provides centralized configuration for the sdragent server.
// Values come from environment variables, optionally seeded from a .env.local
// file and a YAML file named by SDR_CONFIG_FILE. Real environment variables
// always win.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported values for LLMProvider.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
)

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string

	// DBPath is the path to the SQLite CRM database file.
	DBPath string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogFormat is "text" or "json".
	LogFormat string

	// LLMProvider selects the text-generation backend: "openai", "claude",
	// "gemini", "ollama" or "mock".
	LLMProvider string

	// AllowMockLLM must be true for LLMProvider "mock" to be accepted.
	AllowMockLLM bool

	OpenAIKey      string
	OpenAIBaseURL  string
	OpenAIModel    string
	AnthropicKey   string
	AnthropicModel string
	GeminiKey      string
	GeminiModel    string
	OllamaURL      string
	OllamaModel    string

	// LLMTimeout bounds a single provider call.
	LLMTimeout time.Duration

	// LLMMaxTokens is the output token ceiling for every call.
	LLMMaxTokens int

	// LLMTemperature is the sampling temperature for every call.
	LLMTemperature float64

	// LLMRateLimit is the provider request rate in calls per second; 0 disables limiting.
	LLMRateLimit float64
	LLMRateBurst int

	// LLMContextTokens is the prompt token budget; longer prompts are rejected
	// before they reach the provider.
	LLMContextTokens int

	// MaxReflectionRounds caps how many times a draft is regenerated.
	MaxReflectionRounds int

	// RetryMaxAttempts, RetryBaseDelay and RetryMaxDelay shape the retry policy
	// wrapped around every external call.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// ResearchTimeout is the HTTP timeout for the homepage fetch.
	ResearchTimeout time.Duration

	// ResearchExcerptTokens bounds the page excerpt kept in research facts.
	ResearchExcerptTokens int

	// LogRounds persists intermediate drafts and critiques with each record.
	LogRounds bool

	// RegressionThreshold is the drop in overall score that marks a regression.
	RegressionThreshold float64

	// RegressionInterval is how often the background monitor checks for regressions.
	RegressionInterval time.Duration

	// BatchConcurrency caps concurrent runs in a batch request.
	BatchConcurrency int

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string
}

// Load reads configuration from environment variables, applying defaults.
func Load() Config {
	loadEnvFile(".env.local")
	if path := os.Getenv("SDR_CONFIG_FILE"); path != "" {
		if err := loadYAMLFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}

	return Config{
		Port:                  envOr("PORT", "8000"),
		DBPath:                envOr("DB_PATH", "./data/sdr_agent.db"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "text"),
		LLMProvider:           strings.ToLower(envOr("LLM_PROVIDER", ProviderOllama)),
		AllowMockLLM:          envBool("ALLOW_MOCK_LLM", false),
		OpenAIKey:             os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:           envOr("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicKey:          os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:        envOr("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		GeminiKey:             os.Getenv("GEMINI_API_KEY"),
		GeminiModel:           envOr("GEMINI_MODEL", "gemini-2.0-flash"),
		OllamaURL:             envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:           envOr("OLLAMA_MODEL", "llama3.1:8b"),
		LLMTimeout:            envDuration("LLM_TIMEOUT", 60*time.Second),
		LLMMaxTokens:          envInt("LLM_MAX_TOKENS", 512),
		LLMTemperature:        envFloat("LLM_TEMPERATURE", 0.2),
		LLMRateLimit:          envFloat("LLM_RATE_LIMIT", 5),
		LLMRateBurst:          envInt("LLM_RATE_BURST", 5),
		LLMContextTokens:      envInt("LLM_CONTEXT_TOKENS", 8000),
		MaxReflectionRounds:   envInt("MAX_REFLECTION_ROUNDS", 2),
		RetryMaxAttempts:      envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:        envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:         envDuration("RETRY_MAX_DELAY", 8*time.Second),
		ResearchTimeout:       envDuration("RESEARCH_TIMEOUT", 10*time.Second),
		ResearchExcerptTokens: envInt("RESEARCH_EXCERPT_TOKENS", 400),
		LogRounds:             envBool("LOG_ROUNDS", false),
		RegressionThreshold:   envFloat("REGRESSION_THRESHOLD", 0.5),
		RegressionInterval:    envDuration("REGRESSION_INTERVAL", 5*time.Minute),
		BatchConcurrency:      envInt("BATCH_CONCURRENCY", 4),
		CORSOrigin:            envOr("CORS_ORIGIN", "*"),
	}
}

// Validate reports every out-of-range or inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIKey == "" && c.OpenAIBaseURL == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for provider openai"))
		}
	case ProviderClaude:
		if c.AnthropicKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for provider claude"))
		}
	case ProviderGemini:
		if c.GeminiKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for provider gemini"))
		}
	case ProviderOllama:
	case ProviderMock:
		if !c.AllowMockLLM {
			errs = append(errs, errors.New("provider mock requires ALLOW_MOCK_LLM=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.MaxReflectionRounds < 0 || c.MaxReflectionRounds > 10 {
		errs = append(errs, fmt.Errorf("MAX_REFLECTION_ROUNDS must be in [0,10], got %d", c.MaxReflectionRounds))
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be in [1,10], got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 < base (%s) <= max (%s)", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	if c.LLMTimeout <= 0 || c.ResearchTimeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT and RESEARCH_TIMEOUT must be positive"))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", c.LLMMaxTokens))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be in [0,2], got %g", c.LLMTemperature))
	}
	if c.LLMRateLimit < 0 {
		errs = append(errs, fmt.Errorf("LLM_RATE_LIMIT must not be negative, got %g", c.LLMRateLimit))
	}
	if c.BatchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.BatchConcurrency))
	}
	if c.RegressionThreshold <= 0 {
		errs = append(errs, fmt.Errorf("REGRESSION_THRESHOLD must be positive, got %g", c.RegressionThreshold))
	}
	return errors.Join(errs...)
}

// loadEnvFile sets variables from a KEY=VALUE file. Missing files are ignored
// and variables already present in the environment are left untouched.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

// loadYAMLFile applies a flat YAML mapping (e.g. "llm_provider: openai") as
// environment defaults. Keys are upper-cased.
func loadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range values {
		key := strings.ToUpper(strings.TrimSpace(k))
		if _, exists := os.LookupEnv(key); exists || v == nil {
			continue
		}
		os.Setenv(key, fmt.Sprint(v))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
