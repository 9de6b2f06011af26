package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.local")

	content := `# comment line
FOO_TEST_KEY=hello
BAR_TEST_KEY="quoted value"
BAZ_TEST_KEY='single quoted'

EMPTY_LINE_ABOVE=works
NO_VALUE_LINE
`
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"FOO_TEST_KEY", "BAR_TEST_KEY", "BAZ_TEST_KEY", "EMPTY_LINE_ABOVE"} {
		os.Unsetenv(k)
	}

	loadEnvFile(envFile)
	t.Cleanup(func() {
		for _, k := range []string{"FOO_TEST_KEY", "BAR_TEST_KEY", "BAZ_TEST_KEY", "EMPTY_LINE_ABOVE"} {
			os.Unsetenv(k)
		}
	})

	tests := []struct {
		key  string
		want string
	}{
		{"FOO_TEST_KEY", "hello"},
		{"BAR_TEST_KEY", "quoted value"},
		{"BAZ_TEST_KEY", "single quoted"},
		{"EMPTY_LINE_ABOVE", "works"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("os.Getenv(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadEnvFile_RealEnvTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.local")

	if err := os.WriteFile(envFile, []byte("PRECEDENCE_TEST=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("PRECEDENCE_TEST", "from-env")
	t.Cleanup(func() { os.Unsetenv("PRECEDENCE_TEST") })

	loadEnvFile(envFile)

	if got := os.Getenv("PRECEDENCE_TEST"); got != "from-env" {
		t.Errorf("env var = %q, want %q (real env should take precedence)", got, "from-env")
	}
}

func TestLoadEnvFile_MissingFile(t *testing.T) {
	loadEnvFile("/nonexistent/path/.env.local")
}


func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdr.yaml")
	content := "llm_provider: claude\nmax_reflection_rounds: 3\nlog_rounds: true\nyaml_env_wins: from-file\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("YAML_ENV_WINS", "from-env")
	for _, k := range []string{"LLM_PROVIDER", "MAX_REFLECTION_ROUNDS", "LOG_ROUNDS"} {
		saved, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, saved)
			} else {
				os.Unsetenv(k)
			}
		})
	}

	if err := loadYAMLFile(path); err != nil {
		t.Fatalf("loadYAMLFile: %v", err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"LLM_PROVIDER", "claude"},
		{"MAX_REFLECTION_ROUNDS", "3"},
		{"LOG_ROUNDS", "true"},
		{"YAML_ENV_WINS", "from-env"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("os.Getenv(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadYAMLFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("- just\n- a list\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := loadYAMLFile(path); err == nil {
		t.Error("expected error for non-mapping YAML")
	}
	if err := loadYAMLFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"PORT", "DB_PATH", "LLM_PROVIDER", "SDR_CONFIG_FILE",
		"MAX_REFLECTION_ROUNDS", "RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
		"LLM_TIMEOUT", "LLM_MAX_TOKENS", "LLM_TEMPERATURE", "LOG_ROUNDS", "REGRESSION_THRESHOLD",
	} {
		t.Setenv(k, "")
	}

	cfg := Load()

	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8000")
	}
	if cfg.LLMProvider != ProviderOllama {
		t.Errorf("LLMProvider = %q, want %q", cfg.LLMProvider, ProviderOllama)
	}
	if cfg.MaxReflectionRounds != 2 {
		t.Errorf("MaxReflectionRounds = %d, want 2", cfg.MaxReflectionRounds)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryBaseDelay != 500*time.Millisecond || cfg.RetryMaxDelay != 8*time.Second {
		t.Errorf("retry defaults = %d/%v/%v", cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.LLMTimeout != 60*time.Second || cfg.LLMMaxTokens != 512 || cfg.LLMTemperature != 0.2 {
		t.Errorf("llm defaults = %v/%d/%v", cfg.LLMTimeout, cfg.LLMMaxTokens, cfg.LLMTemperature)
	}
	if cfg.LogRounds {
		t.Error("LogRounds should default to false")
	}
	if cfg.RegressionThreshold != 0.5 {
		t.Errorf("RegressionThreshold = %v, want 0.5", cfg.RegressionThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_BASE_URL", "https://gateway.example.com/v1")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	t.Setenv("MAX_REFLECTION_ROUNDS", "4")
	t.Setenv("LLM_TEMPERATURE", "0.7")
	t.Setenv("LOG_ROUNDS", "true")

	cfg := Load()

	if cfg.LLMProvider != ProviderOpenAI {
		t.Errorf("LLMProvider = %q, want %q", cfg.LLMProvider, ProviderOpenAI)
	}
	if cfg.OpenAIBaseURL != "https://gateway.example.com/v1" {
		t.Errorf("OpenAIBaseURL = %q", cfg.OpenAIBaseURL)
	}
	if cfg.MaxReflectionRounds != 4 {
		t.Errorf("MaxReflectionRounds = %d, want 4", cfg.MaxReflectionRounds)
	}
	if cfg.LLMTemperature != 0.7 {
		t.Errorf("LLMTemperature = %v, want 0.7", cfg.LLMTemperature)
	}
	if !cfg.LogRounds {
		t.Error("LogRounds = false, want true")
	}
}

func validConfig() Config {
	return Config{
		LLMProvider:         ProviderOllama,
		MaxReflectionRounds: 2,
		RetryMaxAttempts:    3,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       8 * time.Second,
		LLMTimeout:          time.Minute,
		ResearchTimeout:     10 * time.Second,
		LLMMaxTokens:        512,
		LLMTemperature:      0.2,
		BatchConcurrency:    4,
		RegressionThreshold: 0.5,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"openai without key", func(c *Config) { c.LLMProvider = ProviderOpenAI }, true},
		{"openai with key", func(c *Config) { c.LLMProvider = ProviderOpenAI; c.OpenAIKey = "sk-x" }, false},
		{"claude without key", func(c *Config) { c.LLMProvider = ProviderClaude }, true},
		{"gemini with key", func(c *Config) { c.LLMProvider = ProviderGemini; c.GeminiKey = "k" }, false},
		{"mock not allowed", func(c *Config) { c.LLMProvider = ProviderMock }, true},
		{"mock allowed", func(c *Config) { c.LLMProvider = ProviderMock; c.AllowMockLLM = true }, false},
		{"unknown provider", func(c *Config) { c.LLMProvider = "gpt4all" }, true},
		{"zero rounds", func(c *Config) { c.MaxReflectionRounds = 0 }, false},
		{"negative rounds", func(c *Config) { c.MaxReflectionRounds = -1 }, true},
		{"too many rounds", func(c *Config) { c.MaxReflectionRounds = 11 }, true},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, true},
		{"max delay below base", func(c *Config) { c.RetryMaxDelay = time.Millisecond }, true},
		{"hot temperature", func(c *Config) { c.LLMTemperature = 3 }, true},
		{"no batch slots", func(c *Config) { c.BatchConcurrency = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvDuration_Invalid(t *testing.T) {
	os.Setenv("TEST_DUR_INVALID", "not-a-duration")
	t.Cleanup(func() { os.Unsetenv("TEST_DUR_INVALID") })

	got := envDuration("TEST_DUR_INVALID", 5*time.Second)
	if got != 5*time.Second {
		t.Errorf("envDuration with invalid value = %v, want fallback 5s", got)
	}
}

func TestEnvFloatAndBool_Invalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_INVALID", "abc")
	t.Setenv("TEST_BOOL_INVALID", "maybe")

	if got := envFloat("TEST_FLOAT_INVALID", 1.5); got != 1.5 {
		t.Errorf("envFloat with invalid value = %v, want fallback 1.5", got)
	}
	if got := envBool("TEST_BOOL_INVALID", true); !got {
		t.Error("envBool with invalid value should fall back to true")
	}
}
