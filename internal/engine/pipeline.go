package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yangwenmai/sdragent/internal/model"
	"github.com/yangwenmai/sdragent/internal/retry"
)

// Pipeline runs research, drafting, reflection, evaluation and persistence
// for one domain. It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	researcher Researcher
	drafter    *Drafter
	evaluator  *Evaluator
	records    RecordWriter
	observer   Observer
	logRounds  bool
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver sets the observer for stage timings and run outcomes.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogRounds keeps intermediate drafts and critiques on the record.
func WithLogRounds(enabled bool) Option {
	return func(p *Pipeline) { p.logRounds = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline with the given dependencies.
func NewPipeline(r Researcher, d *Drafter, e *Evaluator, w RecordWriter, opts ...Option) *Pipeline {
	p := &Pipeline{
		researcher: r,
		drafter:    d,
		evaluator:  e,
		records:    w,
		observer:   nopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes every stage for rawDomain. An invalid domain fails with
// model.ErrInvalidDomain before a run exists. Otherwise exactly one record
// is written: the success record, or a failure record alongside the returned
// *StageError.
func (p *Pipeline) Run(ctx context.Context, rawDomain string) (*model.PersistedRecord, error) {
	domain, err := model.NormalizeDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	run := model.NewRunContext(domain, p.now())
	log := slog.With("run_id", run.RunID, "domain", domain)
	log.Info("run started")

	var snap model.ResearchSnapshot
	if err := p.stage(ctx, log, model.StageResearch, func(ctx context.Context) (err error) {
		snap, err = p.researcher.Research(ctx, domain)
		return err
	}); err != nil {
		return nil, p.fail(ctx, log, run, model.StageResearch, err)
	}
	if snap.Gap {
		log.Warn("research gap, drafting without company facts")
	}

	var first model.DraftEmail
	if err := p.stage(ctx, log, model.StageGenerate, func(ctx context.Context) (err error) {
		first, err = p.drafter.Draft(ctx, snap, 0, nil, nil)
		return err
	}); err != nil {
		return nil, p.fail(ctx, log, run, model.StageGenerate, err)
	}

	var loop LoopResult
	if err := p.stage(ctx, log, model.StageReflect, func(ctx context.Context) (err error) {
		loop, err = p.drafter.Refine(ctx, snap, first)
		return err
	}); err != nil {
		return nil, p.fail(ctx, log, run, model.StageReflect, err)
	}

	var eval model.Evaluation
	if err := p.stage(ctx, log, model.StageEvaluate, func(ctx context.Context) (err error) {
		eval, err = p.evaluator.Evaluate(ctx, snap, loop.Final)
		return err
	}); err != nil {
		return nil, p.fail(ctx, log, run, model.StageEvaluate, err)
	}

	critique := loop.FinalCritique
	rec := model.PersistedRecord{
		Run:           run,
		Research:      snap,
		Draft:         loop.Final,
		Evaluation:    eval,
		FinalCritique: &critique,
		CompletedAt:   p.now().UTC(),
	}
	if p.logRounds {
		rec.Rounds = loop.Rounds
	}

	if err := p.stage(ctx, log, model.StagePersist, func(ctx context.Context) error {
		return p.records.WriteSuccess(ctx, rec)
	}); err != nil {
		return nil, p.fail(ctx, log, run, model.StagePersist, err)
	}

	p.observer.RunCompleted(&rec, nil)
	log.Info("run completed", "rounds", loop.Final.Round, "overall", eval.Overall)
	return &rec, nil
}

// stage refuses to start once ctx is done, then times fn.
func (p *Pipeline) stage(ctx context.Context, log *slog.Logger, stage model.Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	p.observer.StageCompleted(stage, elapsed, err)
	if err == nil {
		log.Debug("stage completed", "stage", stage, "elapsed", elapsed)
	}
	return err
}

// fail writes the failure record and builds the StageError. The write is
// detached from ctx so a cancelled run is still recorded.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, run model.RunContext, stage model.Stage, err error) error {
	rec := model.FailureRecord{
		RunID:     run.RunID,
		Domain:    run.Domain,
		Stage:     stage,
		ErrorKind: model.KindOf(err),
		Attempts:  1,
		Message:   err.Error(),
		FailedAt:  p.now().UTC(),
	}
	if ctx.Err() != nil {
		rec.ErrorKind = model.KindCancelled
	}
	rec.CauseKind = rec.ErrorKind
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		rec.Attempts = exhausted.Attempts
		rec.CauseKind = exhausted.CauseKind()
	}

	log.Error("run failed", "stage", stage, "kind", rec.ErrorKind, "cause", rec.CauseKind,
		"attempts", rec.Attempts, "error", err)

	serr := &StageError{RunID: run.RunID, Stage: stage, ErrorKind: rec.ErrorKind, Err: err}
	if werr := p.records.WriteFailure(context.WithoutCancel(ctx), rec); werr != nil {
		log.Error("write failure record", "error", werr)
		serr.Err = errors.Join(err, fmt.Errorf("write failure record: %w", werr))
	}
	p.observer.RunCompleted(nil, &rec)
	return serr
}

// StageError wraps an error with the run and stage that failed.
type StageError struct {
	RunID     string
	Stage     model.Stage
	ErrorKind model.ErrorKind
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err.Error())
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind is the error kind recorded for the failed run.
func (e *StageError) Kind() model.ErrorKind {
	return e.ErrorKind
}
