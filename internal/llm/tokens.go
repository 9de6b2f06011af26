package llm

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the GPT-4 encoding, which is close enough
// for budgeting against every supported provider.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter loads the cl100k codec.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text. A nil counter, or a codec
// failure, falls back to four bytes per token.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Truncate shortens text to roughly limit tokens, cutting on a rune boundary.
func (tc *TokenCounter) Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := tc.Count(text)
	if n <= limit {
		return text
	}
	cut := int(float64(len(text)) * float64(limit) / float64(n) * 0.9)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
