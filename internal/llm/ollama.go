package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/yangwenmai/sdragent/internal/model"
)

// OllamaClient implements Generator using a local Ollama server.
type OllamaClient struct {
	client  *api.Client
	model   string
	baseURL string
}

// OllamaOption configures the Ollama client.
type OllamaOption func(*OllamaClient)

// WithOllamaModel sets the model name (default: llama3.1:8b).
func WithOllamaModel(model string) OllamaOption {
	return func(c *OllamaClient) { c.model = model }
}

// WithOllamaURL sets the base URL (default: http://localhost:11434).
func WithOllamaURL(u string) OllamaOption {
	return func(c *OllamaClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewOllamaClient creates a new Ollama generator.
func NewOllamaClient(opts ...OllamaOption) (*OllamaClient, error) {
	c := &OllamaClient{
		model:   "llama3.1:8b",
		baseURL: "http://localhost:11434",
	}
	for _, opt := range opts {
		opt(c)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q", c.baseURL)
	}
	c.client = api.NewClient(u, http.DefaultClient)
	return c, nil
}

// Generate runs a non-streaming generate call. When the caller expects JSON
// the server-side JSON mode is enabled.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	stream := false
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	genReq := &api.GenerateRequest{
		Model:   c.model,
		System:  req.System,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}
	if req.SchemaHint != "" {
		genReq.Format = json.RawMessage(`"json"`)
	}

	var sb strings.Builder
	err := c.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return "", classifyStatus("ollama", statusErr.StatusCode, err)
		}
		return "", classifyTransport("ollama", err)
	}
	if sb.Len() == 0 {
		return "", model.Unavailable("ollama", errEmptyResponse)
	}
	return sb.String(), nil
}
