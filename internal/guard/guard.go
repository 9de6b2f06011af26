// Package guard turns free-form model replies into validated, typed values.
// It tries a strict parse, then local clean-up heuristics, then exactly one
// repair round-trip through the model.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
)

const repairSystem = "You repair malformed JSON. Reply with a single JSON object and nothing else."

// ViolationError reports a reply that could not be coerced into its schema.
// RepairAttempted is false when the repair call itself failed, in which case
// Err is that call's error.
type ViolationError struct {
	Schema          string
	Raw             string
	Err             error
	RepairAttempted bool
}

func (e *ViolationError) Error() string {
	if !e.RepairAttempted {
		return fmt.Sprintf("schema %s: repair call failed: %v", e.Schema, e.Err)
	}
	return fmt.Sprintf("schema %s: %v", e.Schema, e.Err)
}

func (e *ViolationError) Unwrap() error { return e.Err }

func (e *ViolationError) Kind() model.ErrorKind { return model.KindSchemaViolation }

// Retryable is true only when the repair round-trip never completed and the
// failure behind it is itself transient.
func (e *ViolationError) Retryable() bool {
	if e.RepairAttempted {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(e.Err, &r) {
		return r.Retryable()
	}
	return !errors.Is(e.Err, context.Canceled)
}

// Guard holds the generator used for repair calls.
type Guard struct {
	gen         llm.Generator
	maxTokens   int
	temperature *float64
}

// New returns a Guard that repairs through gen.
func New(gen llm.Generator, maxTokens int, temperature *float64) *Guard {
	return &Guard{gen: gen, maxTokens: maxTokens, temperature: temperature}
}

// Coerce decodes raw into T after validating it against schema. It never
// returns a partially valid value.
func Coerce[T any](ctx context.Context, g *Guard, raw string, schema Schema) (T, error) {
	var zero T
	v, err := parse[T](raw, schema)
	if err == nil {
		return v, nil
	}
	if g == nil || g.gen == nil {
		return zero, &ViolationError{Schema: schema.Name, Raw: raw, Err: err, RepairAttempted: true}
	}

	slog.Debug("structured output needs repair", "schema", schema.Name, "error", err)
	repaired, callErr := g.gen.Generate(ctx, llm.Request{
		System:      repairSystem,
		Prompt:      repairPrompt(raw, schema),
		SchemaHint:  schema.Hint(),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if callErr != nil {
		return zero, &ViolationError{Schema: schema.Name, Raw: raw, Err: callErr, RepairAttempted: false}
	}
	v, err = parse[T](repaired, schema)
	if err != nil {
		return zero, &ViolationError{Schema: schema.Name, Raw: repaired, Err: err, RepairAttempted: true}
	}
	return v, nil
}

// parse tries the raw text, then every heuristic candidate.
func parse[T any](raw string, schema Schema) (T, error) {
	v, err := strict[T](raw, schema)
	if err == nil {
		return v, nil
	}
	first := err
	for _, c := range candidates(raw) {
		if v, err := strict[T](c, schema); err == nil {
			return v, nil
		}
	}
	return v, first
}

func strict[T any](text string, schema Schema) (T, error) {
	var zero T
	data := []byte(strings.TrimSpace(text))
	if len(data) == 0 {
		return zero, errors.New("empty reply")
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return zero, fmt.Errorf("not a JSON object: %w", err)
	}
	if obj == nil {
		return zero, errors.New("not a JSON object: null")
	}
	if err := schema.Validate(obj); err != nil {
		return zero, err
	}
	var v T
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", schema.Name, err)
	}
	return v, nil
}

func repairPrompt(raw string, schema Schema) string {
	return fmt.Sprintf(`Repair this output into valid JSON with exactly these keys: %s.
Expected shape: %s
Do not add markdown or commentary.
Input:
%s`, strings.Join(schema.Keys(), ", "), schema.Hint(), raw)
}
