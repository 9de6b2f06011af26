package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
)

type email struct {
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	CallToAction string   `json:"call_to_action"`
	Tags         []string `json:"tags"`
}

var emailSchema = Schema{
	Name: "email",
	Fields: []Field{
		{Name: "subject", Type: String},
		{Name: "body", Type: String},
		{Name: "call_to_action", Type: String},
		{Name: "tags", Type: StringList, Optional: true},
	},
}

// scripted answers repair calls in order and records the requests.
type scripted struct {
	replies []string
	err     error
	reqs    []llm.Request
}

func (s *scripted) Generate(_ context.Context, req llm.Request) (string, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func TestCoerce_LocalHeuristics(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"strict", `{"subject":"Hi","body":"Hello","call_to_action":"Chat?"}`},
		{"fenced", "```json\n{\"subject\":\"Hi\",\"body\":\"Hello\",\"call_to_action\":\"Chat?\"}\n```"},
		{"prose and trailing comma", `Sure! Here is the email: {"subject": "Hi", "body": "Hello", "call_to_action": "Chat?",} Let me know.`},
		{"smart quotes", `{“subject”: “Hi”, “body”: “Hello”, “call_to_action”: “Chat?”}`},
		{"single quotes", `{'subject': 'Hi', 'body': 'Hello', 'call_to_action': 'Chat?'}`},
		{"nested braces in strings", `note {x} then {"subject":"Hi","body":"Hello","call_to_action":"Chat?"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scripted{}
			got, err := Coerce[email](context.Background(), New(gen, 256, nil), tt.raw, emailSchema)
			require.NoError(t, err)
			assert.Equal(t, "Hi", got.Subject)
			assert.Equal(t, "Hello", got.Body)
			assert.Equal(t, "Chat?", got.CallToAction)
			assert.Empty(t, gen.reqs, "no repair round-trip expected")
		})
	}
}

func TestCoerce_RepairRoundTrip(t *testing.T) {
	gen := &scripted{replies: []string{`{"subject":"Fixed","body":"B","call_to_action":"C","tags":["a"]}`}}

	got, err := Coerce[email](context.Background(), New(gen, 256, llm.Float(0.1)), "subject: Fixed", emailSchema)

	require.NoError(t, err)
	assert.Equal(t, "Fixed", got.Subject)
	assert.Equal(t, []string{"a"}, got.Tags)
	require.Len(t, gen.reqs, 1)
	assert.Contains(t, gen.reqs[0].Prompt, "subject, body, call_to_action, tags")
	assert.Contains(t, gen.reqs[0].Prompt, "subject: Fixed")
	assert.Equal(t, emailSchema.Hint(), gen.reqs[0].SchemaHint)
}

func TestCoerce_ExactlyOneRepair(t *testing.T) {
	gen := &scripted{replies: []string{"still broken", `{"subject":"x","body":"y","call_to_action":"z"}`}}

	_, err := Coerce[email](context.Background(), New(gen, 256, nil), "garbage", emailSchema)

	var ve *ViolationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.RepairAttempted)
	assert.False(t, ve.Retryable())
	assert.Equal(t, model.KindSchemaViolation, model.KindOf(err))
	assert.Len(t, gen.reqs, 1)
}

func TestCoerce_WrongFieldTypeIsViolation(t *testing.T) {
	gen := &scripted{replies: []string{`{"subject":1,"body":"y","call_to_action":"z"}`}}

	_, err := Coerce[email](context.Background(), New(gen, 256, nil), `{"subject":["x"],"body":"y","call_to_action":"z"}`, emailSchema)

	var ve *ViolationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "subject")
}

func TestCoerce_RepairCallFailure(t *testing.T) {
	cause := model.Unavailable("ollama", errors.New("connection refused"))
	gen := &scripted{err: cause}

	_, err := Coerce[email](context.Background(), New(gen, 256, nil), "garbage", emailSchema)

	var ve *ViolationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, ve.RepairAttempted)
	assert.True(t, ve.Retryable())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, model.KindSchemaViolation, model.KindOf(err))

	perm := model.Unavailable("openai", errors.New("bad key"))
	perm.Permanent = true
	_, err = Coerce[email](context.Background(), New(&scripted{err: perm}, 256, nil), "garbage", emailSchema)
	require.ErrorAs(t, err, &ve)
	assert.False(t, ve.Retryable())
}

func TestCoerce_MissingRequiredField(t *testing.T) {
	_, err := Coerce[email](context.Background(), nil, `{"subject":"x","body":"y"}`, emailSchema)
	var ve *ViolationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Err.Error(), "call_to_action")
}

func TestSchemaHint(t *testing.T) {
	s := Schema{Name: "eval", Fields: []Field{{Name: "score", Type: Number}, {Name: "why", Type: Any}}}
	assert.Equal(t, `{"score": <number>, "why": <any>}`, s.Hint())
}

func TestBalancedObjects(t *testing.T) {
	got := balancedObjects(`a {"k":"}"} b {"outer":{"inner":1}} c {unclosed`)
	require.Len(t, got, 3)
	assert.Equal(t, `{"outer":{"inner":1}}`, got[0])
	assert.Contains(t, got, `{"k":"}"}`)
	assert.Contains(t, got, `{"inner":1}`)
}
