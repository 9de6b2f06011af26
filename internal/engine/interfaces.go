package engine

import (
	"context"
	"time"

	"github.com/yangwenmai/sdragent/internal/model"
)

// Researcher produces the research snapshot for a normalised domain.
type Researcher interface {
	Research(ctx context.Context, domain string) (model.ResearchSnapshot, error)
}

// RecordWriter persists the single outcome of a run.
type RecordWriter interface {
	WriteSuccess(ctx context.Context, rec model.PersistedRecord) error
	WriteFailure(ctx context.Context, rec model.FailureRecord) error
}

// Observer receives stage timings and run outcomes. Exactly one of rec and
// failure is non-nil in RunCompleted.
type Observer interface {
	StageCompleted(stage model.Stage, elapsed time.Duration, err error)
	RunCompleted(rec *model.PersistedRecord, failure *model.FailureRecord)
}

type nopObserver struct{}

func (nopObserver) StageCompleted(model.Stage, time.Duration, error) {}
func (nopObserver) RunCompleted(*model.PersistedRecord, *model.FailureRecord) {}
