package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/yangwenmai/sdragent/internal/metrics"
)

// RegressionChecker computes the current quality regression status.
type RegressionChecker interface {
	Regression(ctx context.Context, threshold float64) (metrics.Regression, error)
}

// RegressionSink receives every computed status.
type RegressionSink interface {
	SetRegression(reg metrics.Regression)
}

// Monitor periodically checks evaluation scores for regressions.
type Monitor struct {
	checker   RegressionChecker
	sink      RegressionSink
	threshold float64
	interval  time.Duration

	// last status seen, so transitions are logged once.
	last string
}

// New creates a new Monitor. sink may be nil.
func New(checker RegressionChecker, sink RegressionSink, threshold float64, interval time.Duration) *Monitor {
	return &Monitor{checker: checker, sink: sink, threshold: threshold, interval: interval}
}

// Start begins the polling loop. It blocks until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	slog.Info("regression monitor started", "interval", m.interval.String(), "threshold", m.threshold)
	for {
		select {
		case <-ctx.Done():
			slog.Info("regression monitor stopped")
			return
		default:
		}

		m.Check(ctx)
		m.sleep(ctx)
	}
}

// Check runs one regression check and publishes the result.
func (m *Monitor) Check(ctx context.Context) (metrics.Regression, error) {
	reg, err := m.checker.Regression(ctx, m.threshold)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("regression check failed", "error", err)
		}
		return reg, err
	}
	if m.sink != nil {
		m.sink.SetRegression(reg)
	}

	attrs := []any{
		"status", reg.Status,
		"recent_avg", reg.RecentAvg,
		"baseline_avg", reg.BaselineAvg,
		"delta", reg.Delta,
		"recent_count", reg.RecentCount,
		"baseline_count", reg.BaselineCount,
	}
	switch {
	case reg.Regressing():
		slog.Warn("evaluation scores regressing", attrs...)
	case m.last == metrics.StatusRegressing:
		slog.Info("evaluation scores recovered", attrs...)
	default:
		slog.Debug("evaluation scores stable", attrs...)
	}
	m.last = reg.Status
	return reg, nil
}

func (m *Monitor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.interval):
	}
}
