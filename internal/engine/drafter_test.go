package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
)

func TestDrafter_CritiqueNormalisesScore(t *testing.T) {
	gen := newFakeLLM().script("critique", reply{text: "```json\n{\"verdict\":\" Fail \",\"score\":14.4,\"issues\":[\"vague\",\"  \"]}\n```"})
	d := NewDrafter(gen, testSettings(2))

	c, err := d.Critique(context.Background(), acmeSnapshot(), model.DraftEmail{Subject: "s", Body: "b", CallToAction: "c"})

	require.NoError(t, err)
	assert.Equal(t, "fail", c.Verdict)
	assert.Equal(t, 10, c.Score)
	assert.Equal(t, []string{"vague"}, c.Issues)
	assert.Empty(t, c.Fixes)
}

func TestDrafter_NegativeRoundsClamped(t *testing.T) {
	d := NewDrafter(newFakeLLM(), testSettings(-3))
	assert.Equal(t, 0, d.MaxRounds())
}

func TestRationaleText(t *testing.T) {
	assert.Equal(t, "", rationaleText(nil))
	assert.Equal(t, "good", rationaleText(" good "))
	assert.Equal(t, "a; b", rationaleText([]any{"a", "b"}))
	assert.Equal(t, `{"tone":"warm"}`, rationaleText(map[string]any{"tone": "warm"}))
	assert.Equal(t, "7", rationaleText(7.0))
}

func TestStubClientDrivesFullLoop(t *testing.T) {
	stub := &llm.StubClient{}
	s := testSettings(2)
	d := NewDrafter(stub, s)

	first, err := d.Draft(context.Background(), acmeSnapshot(), 0, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, first.Subject, "Acme")

	res, err := d.Refine(context.Background(), acmeSnapshot(), first)
	require.NoError(t, err)
	assert.True(t, res.FinalCritique.Passed())

	eval, err := NewEvaluator(stub, s).Evaluate(context.Background(), acmeSnapshot(), res.Final)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, eval.Overall, 1e-9)
}
