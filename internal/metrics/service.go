// Package metrics derives quality reports from persisted runs and exports
// Prometheus instrumentation for the pipeline.
package metrics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/yangwenmai/sdragent/internal/model"
)

const (
	day = 24 * time.Hour
	// window is the rolling period used for averages and regression checks.
	window = 7 * day

	minTrendDays     = 3
	maxTrendDays     = 90
	minRegressionRun = 3

	StatusStable     = "stable"
	StatusRegressing = "regressing"
)

// RecordReader is the slice of the CRM repository this package needs.
type RecordReader interface {
	ReadSince(ctx context.Context, since time.Time) ([]model.PersistedRecord, error)
}

// Summary is the rolling quality summary over the last seven days.
type Summary struct {
	Evaluations int        `json:"evaluations_last_7d"`
	AvgOverall  float64    `json:"avg_overall_score_last_7d"`
	Dimensions  Dimensions `json:"dimensions"`
}

// Dimensions holds averages per evaluation dimension.
type Dimensions struct {
	Relevance       float64 `json:"relevance"`
	Personalization float64 `json:"personalization"`
	Tone            float64 `json:"tone"`
	Clarity         float64 `json:"clarity"`
	Overall         float64 `json:"overall"`
}

// DailyTrend is one UTC day of dimension averages.
type DailyTrend struct {
	Day     string `json:"day"`
	Samples int    `json:"samples"`
	Dimensions
}

// Trends is the dimension trend report.
type Trends struct {
	Days   int          `json:"days"`
	Last7d Dimensions   `json:"last_7d"`
	Daily  []DailyTrend `json:"daily"`
}

// Regression compares the last seven days with the seven days before.
type Regression struct {
	Status        string  `json:"status"`
	BaselineAvg   float64 `json:"baseline_avg_overall_score"`
	RecentAvg     float64 `json:"recent_avg_overall_score"`
	Delta         float64 `json:"delta"`
	BaselineCount int     `json:"baseline_count"`
	RecentCount   int     `json:"recent_count"`
	ThresholdDrop float64 `json:"threshold_drop"`
}

// Regressing reports whether the status is regressing.
func (r Regression) Regressing() bool { return r.Status == StatusRegressing }

// Service computes reports on demand. It holds no state between calls.
type Service struct {
	reader RecordReader
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over reader.
func NewService(reader RecordReader, opts ...Option) *Service {
	s := &Service{reader: reader, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summary returns the evaluation count and averages for the last seven days.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	recs, err := s.reader.ReadSince(ctx, s.now().Add(-window))
	if err != nil {
		return Summary{}, err
	}
	dims := average(recs)
	return Summary{
		Evaluations: len(recs),
		AvgOverall:  dims.Overall,
		Dimensions:  dims,
	}, nil
}

// ClampTrendDays bounds a requested trend length to 3..90 days.
func ClampTrendDays(days int) int {
	return max(minTrendDays, min(maxTrendDays, days))
}

// DimensionTrends returns the seven-day dimension averages plus one bucket per
// UTC day for the last days days (clamped to 3..90).
func (s *Service) DimensionTrends(ctx context.Context, days int) (Trends, error) {
	days = ClampTrendDays(days)
	now := s.now()
	since7d := now.Add(-window)
	sinceDays := now.Add(-time.Duration(days-1) * day)

	recs, err := s.reader.ReadSince(ctx, minTime(since7d, sinceDays))
	if err != nil {
		return Trends{}, err
	}

	var recent []model.PersistedRecord
	buckets := map[string][]model.PersistedRecord{}
	for _, r := range recs {
		if !r.CompletedAt.Before(since7d) {
			recent = append(recent, r)
		}
		if !r.CompletedAt.Before(sinceDays) {
			key := r.CompletedAt.UTC().Format(time.DateOnly)
			buckets[key] = append(buckets[key], r)
		}
	}

	daily := make([]DailyTrend, 0, len(buckets))
	for key, b := range buckets {
		daily = append(daily, DailyTrend{Day: key, Samples: len(b), Dimensions: average(b)})
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Day < daily[j].Day })

	return Trends{Days: days, Last7d: average(recent), Daily: daily}, nil
}

// Regression classifies quality as stable or regressing. Both windows need at
// least three samples before a drop of |threshold| or more counts.
func (s *Service) Regression(ctx context.Context, threshold float64) (Regression, error) {
	now := s.now()
	recentSince := now.Add(-window)
	recs, err := s.reader.ReadSince(ctx, now.Add(-2*window))
	if err != nil {
		return Regression{}, err
	}

	var recent, baseline []model.PersistedRecord
	for _, r := range recs {
		if r.CompletedAt.Before(recentSince) {
			baseline = append(baseline, r)
		} else {
			recent = append(recent, r)
		}
	}

	threshold = math.Abs(threshold)
	recentAvg := meanOverall(recent)
	baselineAvg := meanOverall(baseline)
	delta := recentAvg - baselineAvg
	status := StatusStable
	if len(recent) >= minRegressionRun && len(baseline) >= minRegressionRun && delta <= -threshold {
		status = StatusRegressing
	}

	return Regression{
		Status:        status,
		BaselineAvg:   round2(baselineAvg),
		RecentAvg:     round2(recentAvg),
		Delta:         round2(delta),
		BaselineCount: len(baseline),
		RecentCount:   len(recent),
		ThresholdDrop: threshold,
	}, nil
}

func average(recs []model.PersistedRecord) Dimensions {
	if len(recs) == 0 {
		return Dimensions{}
	}
	var d Dimensions
	for _, r := range recs {
		d.Relevance += r.Evaluation.Relevance
		d.Personalization += r.Evaluation.Personalization
		d.Tone += r.Evaluation.Tone
		d.Clarity += r.Evaluation.Clarity
		d.Overall += r.Evaluation.Overall
	}
	n := float64(len(recs))
	return Dimensions{
		Relevance:       round2(d.Relevance / n),
		Personalization: round2(d.Personalization / n),
		Tone:            round2(d.Tone / n),
		Clarity:         round2(d.Clarity / n),
		Overall:         round2(d.Overall / n),
	}
}

func meanOverall(recs []model.PersistedRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range recs {
		sum += r.Evaluation.Overall
	}
	return sum / float64(len(recs))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
