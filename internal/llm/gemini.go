package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/yangwenmai/sdragent/internal/model"
)

// GeminiClient implements Generator using the Google Gemini API.
// The SDK client needs a context to build, so it is created on first use.
type GeminiClient struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// GeminiOption configures the Gemini client.
type GeminiOption func(*GeminiClient)

// WithGeminiModel sets the model name.
func WithGeminiModel(model string) GeminiOption {
	return func(c *GeminiClient) { c.model = model }
}

// NewGeminiClient creates a new Google Gemini generator.
func NewGeminiClient(apiKey string, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{apiKey: apiKey, model: "gemini-2.0-flash"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Generate sends one GenerateContent call and returns the response text.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		e := model.Unavailable("gemini", fmt.Errorf("create client: %w", err))
		e.Permanent = true
		return "", e
	}

	result, err := client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), geminiConfig(req))
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", classifyStatus("gemini", apiErr.Code, err)
		}
		return "", classifyTransport("gemini", err)
	}
	if result == nil || result.Text() == "" {
		return "", model.Unavailable("gemini", errEmptyResponse)
	}
	return result.Text(), nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.SchemaHint != "" {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}
