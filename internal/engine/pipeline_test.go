package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
	"github.com/yangwenmai/sdragent/internal/research"
	"github.com/yangwenmai/sdragent/internal/retry"
)

type reply struct {
	text string
	err  error
}

// fakeLLM answers by request kind. Each kind replays its script and then
// repeats the last entry.
type fakeLLM struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   map[string]int
	prompts map[string][]string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		scripts: map[string][]reply{
			"draft":    {{text: `{"subject":"Quick idea for Acme","body":"Hi team,\n\nAcme's revenue org could book more meetings.","call_to_action":"Worth a 15-minute call?"}`}},
			"critique": {{text: `{"verdict":"pass","score":8,"issues":[],"fixes":[]}`}},
			"eval":     {{text: `{"relevance":8,"personalization":6,"tone":9,"clarity":7,"rationale":"solid"}`}},
		},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (f *fakeLLM) script(kind string, replies ...reply) *fakeLLM {
	f.scripts[kind] = replies
	return f
}

func requestKind(req llm.Request) string {
	switch {
	case strings.Contains(req.SchemaHint, "call_to_action"):
		return "draft"
	case strings.Contains(req.SchemaHint, "verdict"):
		return "critique"
	default:
		return "eval"
	}
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := requestKind(req)
	f.calls[kind]++
	f.prompts[kind] = append(f.prompts[kind], req.Prompt)
	s := f.scripts[kind]
	r := s[len(s)-1]
	if n := f.calls[kind]; n <= len(s) {
		r = s[n-1]
	}
	return r.text, r.err
}

type fakeResearcher struct {
	snap  model.ResearchSnapshot
	err   error
	hook  func()
	calls int
}

func (r *fakeResearcher) Research(_ context.Context, domain string) (model.ResearchSnapshot, error) {
	r.calls++
	if r.hook != nil {
		r.hook()
	}
	if r.err != nil {
		return model.ResearchSnapshot{}, r.err
	}
	snap := r.snap
	snap.Domain = domain
	return snap, nil
}

type fakeStore struct {
	successes  []model.PersistedRecord
	failures   []model.FailureRecord
	successErr error
	failCtxErr error
}

func (s *fakeStore) WriteSuccess(_ context.Context, rec model.PersistedRecord) error {
	if s.successErr != nil {
		return s.successErr
	}
	s.successes = append(s.successes, rec)
	return nil
}

func (s *fakeStore) WriteFailure(ctx context.Context, rec model.FailureRecord) error {
	s.failCtxErr = ctx.Err()
	s.failures = append(s.failures, rec)
	return nil
}

type stageLog struct {
	stages []model.Stage
	runs   int
}

func (o *stageLog) StageCompleted(stage model.Stage, _ time.Duration, _ error) {
	o.stages = append(o.stages, stage)
}

func (o *stageLog) RunCompleted(*model.PersistedRecord, *model.FailureRecord) { o.runs++ }

func testSettings(maxRounds int) Settings {
	return Settings{
		MaxRounds:   maxRounds,
		MaxTokens:   256,
		Temperature: llm.Float(0.2),
		Policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	}
}

func acmeSnapshot() model.ResearchSnapshot {
	return model.ResearchSnapshot{
		Facts: map[string]string{
			"company_name": "Acme",
			"pain_points":  "Likely manual workflows can be automated.",
		},
		Summary: "Acme appears focused on: revenue tooling",
	}
}

func newTestPipeline(gen llm.Generator, r Researcher, w RecordWriter, maxRounds int, opts ...Option) *Pipeline {
	s := testSettings(maxRounds)
	return NewPipeline(r, NewDrafter(gen, s), NewEvaluator(gen, s), w, opts...)
}

func TestPipeline_FullRun(t *testing.T) {
	gen := newFakeLLM()
	store := &fakeStore{}
	obs := &stageLog{}
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, store, 2, WithObserver(obs))

	rec, err := p.Run(context.Background(), "https://www.Acme.com/pricing")

	require.NoError(t, err)
	require.Len(t, store.successes, 1)
	assert.Empty(t, store.failures)
	assert.Equal(t, "acme.com", rec.Run.Domain)
	assert.NotEmpty(t, rec.Run.RunID)
	assert.Equal(t, 0, rec.Draft.Round)
	assert.Equal(t, "Quick idea for Acme", rec.Draft.Subject)
	assert.InDelta(t, 7.5, rec.Evaluation.Overall, 1e-9)
	require.NotNil(t, rec.FinalCritique)
	assert.True(t, rec.FinalCritique.Passed())
	assert.Nil(t, rec.Rounds, "rounds are dropped unless enabled")
	assert.Equal(t, map[string]int{"draft": 1, "critique": 1, "eval": 1}, gen.calls)
	assert.Equal(t, []model.Stage{model.StageResearch, model.StageGenerate, model.StageReflect, model.StageEvaluate, model.StagePersist}, obs.stages)
	assert.Equal(t, 1, obs.runs)
	assert.Contains(t, gen.prompts["draft"][0], "Company: Acme")
}

func TestPipeline_ReflectionBound(t *testing.T) {
	for _, maxRounds := range []int{0, 1, 3} {
		gen := newFakeLLM().script("critique", reply{text: `{"verdict":"fail","score":4,"issues":["too generic"],"fixes":["mention their pricing page"]}`})
		store := &fakeStore{}
		p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, store, maxRounds, WithLogRounds(true))

		rec, err := p.Run(context.Background(), "acme.com")

		require.NoError(t, err)
		assert.Equal(t, maxRounds+1, gen.calls["draft"], "drafts for max_rounds=%d", maxRounds)
		assert.Equal(t, maxRounds+1, gen.calls["critique"])
		assert.Equal(t, maxRounds, rec.Draft.Round)
		assert.False(t, rec.FinalCritique.Passed())
		require.Len(t, rec.Rounds, maxRounds+1)
		for i, tr := range rec.Rounds {
			assert.Equal(t, i, tr.Draft.Round)
			require.NotNil(t, tr.Critique)
		}
		if maxRounds > 0 {
			assert.Contains(t, gen.prompts["draft"][1], "too generic")
			assert.Contains(t, gen.prompts["draft"][1], "mention their pricing page")
			assert.Contains(t, gen.prompts["draft"][1], "Current email:")
		}
	}
}

func TestPipeline_StopsOnFirstPass(t *testing.T) {
	gen := newFakeLLM().script("critique",
		reply{text: `{"verdict":"fail","score":5,"issues":["no CTA"],"fixes":["add a CTA"]}`},
		reply{text: `{"verdict":"PASS","score":8,"issues":[]}`},
	)
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, &fakeStore{}, 5)

	rec, err := p.Run(context.Background(), "acme.com")

	require.NoError(t, err)
	assert.Equal(t, 1, rec.Draft.Round)
	assert.Equal(t, 2, gen.calls["draft"])
	assert.Equal(t, 8, rec.FinalCritique.Score)
}

func TestPipeline_ResearchExhaustion(t *testing.T) {
	gen := newFakeLLM()
	store := &fakeStore{}
	cause := model.Unavailable("research", errors.New("connection reset"))
	researchErr := &retry.ExhaustedError{Attempts: 3, Last: cause}
	p := newTestPipeline(gen, &fakeResearcher{err: researchErr}, store, 2)

	rec, err := p.Run(context.Background(), "acme.com")

	assert.Nil(t, rec)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, model.StageResearch, serr.Stage)
	assert.Equal(t, model.KindRetryExhausted, serr.Kind())
	assert.Empty(t, store.successes)
	require.Len(t, store.failures, 1)
	f := store.failures[0]
	assert.Equal(t, serr.RunID, f.RunID)
	assert.Equal(t, model.KindRetryExhausted, f.ErrorKind)
	assert.Equal(t, model.KindProviderUnavailable, f.CauseKind)
	assert.Equal(t, 3, f.Attempts)
	assert.Empty(t, gen.calls)
}

// countingFetcher counts calls into the wrapped fetcher.
type countingFetcher struct {
	research.Fetcher
	calls int
}

func (f *countingFetcher) Fetch(ctx context.Context, domain string) (research.Result, error) {
	f.calls++
	return f.Fetcher.Fetch(ctx, domain)
}

func TestPipeline_UnreachableResearchSite(t *testing.T) {
	gen := newFakeLLM()
	store := &fakeStore{}
	s := testSettings(2)
	fetcher := &countingFetcher{Fetcher: &research.StubFetcher{
		Err: model.Unavailable("research", errors.New("connection refused")),
	}}
	step := research.NewStep(fetcher, s.Policy, nil, 0)
	p := NewPipeline(step, NewDrafter(gen, s), NewEvaluator(gen, s), store)

	rec, err := p.Run(context.Background(), "acme.com")

	assert.Nil(t, rec)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, model.StageResearch, serr.Stage)
	assert.Equal(t, s.Policy.MaxAttempts, fetcher.calls)
	assert.Empty(t, store.successes)
	require.Len(t, store.failures, 1)
	f := store.failures[0]
	assert.Equal(t, model.StageResearch, f.Stage)
	assert.Equal(t, model.KindRetryExhausted, f.ErrorKind)
	assert.Equal(t, model.KindProviderUnavailable, f.CauseKind)
	assert.Equal(t, s.Policy.MaxAttempts, f.Attempts)
	assert.Zero(t, gen.calls["draft"])
	assert.Zero(t, gen.calls["critique"])
	assert.Zero(t, gen.calls["eval"])
}

func TestPipeline_PassWithoutIssues(t *testing.T) {
	for _, critique := range []string{
		`{"verdict":"pass","score":9}`,
		`{"verdict":"pass","score":9,"issues":null,"fixes":null}`,
		`{"verdict":"Pass.","score":9,"issues":[]}`,
	} {
		gen := newFakeLLM().script("critique", reply{text: critique})
		store := &fakeStore{}
		p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, store, 2)

		rec, err := p.Run(context.Background(), "acme.com")

		require.NoError(t, err, critique)
		assert.Len(t, store.successes, 1, critique)
		assert.Empty(t, store.failures, critique)
		assert.Equal(t, 1, gen.calls["critique"], "no repair call for %s", critique)
		assert.Equal(t, 1, gen.calls["draft"], "no redraft for %s", critique)
		assert.Equal(t, "pass", rec.FinalCritique.Verdict)
		assert.Empty(t, rec.FinalCritique.Issues)
		assert.Equal(t, 9, rec.FinalCritique.Score)
	}
}

func TestPipeline_GapSnapshotContinues(t *testing.T) {
	gen := newFakeLLM()
	store := &fakeStore{}
	gap := model.ResearchSnapshot{Facts: map[string]string{}, Gap: true, Summary: "Limited public data found for acme.com."}
	p := newTestPipeline(gen, &fakeResearcher{snap: gap}, store, 2)

	rec, err := p.Run(context.Background(), "acme.com")

	require.NoError(t, err)
	assert.True(t, rec.Research.Gap)
	assert.Len(t, store.successes, 1)
	assert.Contains(t, gen.prompts["draft"][0], "no public information was found")
}

func TestPipeline_InvalidDomain(t *testing.T) {
	store := &fakeStore{}
	r := &fakeResearcher{}
	p := newTestPipeline(newFakeLLM(), r, store, 2)

	_, err := p.Run(context.Background(), "not-a-domain")

	assert.ErrorIs(t, err, model.ErrInvalidDomain)
	assert.Zero(t, r.calls)
	assert.Empty(t, store.successes)
	assert.Empty(t, store.failures)
}

func TestPipeline_CancelledBeforeStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := newFakeLLM()
	store := &fakeStore{}
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot(), hook: cancel}, store, 2)

	_, err := p.Run(ctx, "acme.com")

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, model.StageGenerate, serr.Stage)
	assert.Equal(t, model.KindCancelled, serr.Kind())
	assert.Empty(t, store.successes)
	require.Len(t, store.failures, 1)
	assert.Equal(t, model.KindCancelled, store.failures[0].ErrorKind)
	assert.NoError(t, store.failCtxErr, "failure write must not inherit cancellation")
	assert.Empty(t, gen.calls)
}

func TestPipeline_PersistFailure(t *testing.T) {
	store := &fakeStore{successErr: errors.New("disk full")}
	p := newTestPipeline(newFakeLLM(), &fakeResearcher{snap: acmeSnapshot()}, store, 2)

	_, err := p.Run(context.Background(), "acme.com")

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, model.StagePersist, serr.Stage)
	require.Len(t, store.failures, 1)
	assert.Equal(t, model.StagePersist, store.failures[0].Stage)
	assert.Equal(t, model.KindInternal, store.failures[0].ErrorKind)
}

func TestPipeline_SchemaViolationAfterRepair(t *testing.T) {
	gen := newFakeLLM().script("draft", reply{text: "Subject: hello, body: hi"}, reply{text: "still not json"})
	store := &fakeStore{}
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, store, 2)

	_, err := p.Run(context.Background(), "acme.com")

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, model.StageGenerate, serr.Stage)
	assert.Equal(t, model.KindSchemaViolation, serr.Kind())
	assert.Equal(t, 2, gen.calls["draft"], "one generation plus exactly one repair")
	require.Len(t, store.failures, 1)
	assert.Equal(t, 1, store.failures[0].Attempts)
}

func TestPipeline_TransientProviderRecovers(t *testing.T) {
	gen := newFakeLLM().script("eval",
		reply{err: model.Rejected("openai", 429, errors.New("slow down"))},
		reply{text: `{"relevance":12,"personalization":0,"tone":7,"clarity":7,"rationale":["clear","short"]}`},
	)
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, &fakeStore{}, 2)

	rec, err := p.Run(context.Background(), "acme.com")

	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls["eval"])
	assert.Equal(t, 10.0, rec.Evaluation.Relevance)
	assert.Equal(t, 1.0, rec.Evaluation.Personalization)
	assert.InDelta(t, 6.25, rec.Evaluation.Overall, 1e-9)
	assert.Equal(t, "clear; short", rec.Evaluation.Rationale)
}

func TestPipeline_PermanentProviderFailsReflect(t *testing.T) {
	perm := model.Unavailable("claude", errors.New("invalid x-api-key"))
	perm.Permanent = true
	gen := newFakeLLM().script("critique", reply{err: perm})
	store := &fakeStore{}
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, store, 2)

	_, err := p.Run(context.Background(), "acme.com")

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, model.StageReflect, serr.Stage)
	assert.Equal(t, model.KindProviderUnavailable, serr.Kind())
	assert.Equal(t, 1, gen.calls["critique"])
	assert.Equal(t, 1, store.failures[0].Attempts)
}

func TestPipeline_ExhaustedProviderCountsAttempts(t *testing.T) {
	gen := newFakeLLM().script("draft", reply{err: model.Unavailable("ollama", errors.New("connection refused"))})
	store := &fakeStore{}
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, store, 2)

	_, err := p.Run(context.Background(), "acme.com")

	require.Error(t, err)
	assert.Equal(t, 3, gen.calls["draft"])
	require.Len(t, store.failures, 1)
	f := store.failures[0]
	assert.Equal(t, model.StageGenerate, f.Stage)
	assert.Equal(t, model.KindRetryExhausted, f.ErrorKind)
	assert.Equal(t, model.KindProviderUnavailable, f.CauseKind)
	assert.Equal(t, 3, f.Attempts)
}

func TestPipeline_StripsMarkdown(t *testing.T) {
	gen := newFakeLLM().script("draft", reply{text: `{"subject":"**Quick** idea","body":"Hi *Sam*,\n\n- faster research\n- better replies\n\nBest,\nAlex","call_to_action":"Reply [here](https://acme.com)"}`})
	p := newTestPipeline(gen, &fakeResearcher{snap: acmeSnapshot()}, &fakeStore{}, 2)

	rec, err := p.Run(context.Background(), "acme.com")

	require.NoError(t, err)
	assert.Equal(t, "Quick idea", rec.Draft.Subject)
	assert.Equal(t, "Hi Sam,\n\n- faster research\n- better replies\n\nBest,\nAlex", rec.Draft.Body)
	assert.Equal(t, "Reply here", rec.Draft.CallToAction)
}
