package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yangwenmai/sdragent/internal/engine"
	"github.com/yangwenmai/sdragent/internal/llm"
	"github.com/yangwenmai/sdragent/internal/model"
)

var (
	_ engine.Observer  = (*Recorder)(nil)
	_ llm.CallObserver = (*Recorder)(nil)
)

// Recorder exports pipeline metrics on its own registry.
type Recorder struct {
	reg *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	overallScore    prometheus.Histogram
	reflectRounds   prometheus.Histogram
	regression      prometheus.Gauge
	regressionDelta prometheus.Gauge
}

// NewRecorder registers all collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sdr_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdr_runs_total",
				Help: "Completed runs by outcome, failed stage and error kind",
			},
			[]string{"status", "stage", "error_kind"},
		),
		llmRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdr_llm_requests_total",
				Help: "Text generation calls by provider and outcome",
			},
			[]string{"provider", "status", "error_kind"},
		),
		llmDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sdr_llm_request_duration_seconds",
				Help:    "Duration of text generation calls in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"provider"},
		),
		retriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdr_retries_total",
				Help: "Retry backoffs by error kind of the failed attempt",
			},
			[]string{"error_kind"},
		),
		overallScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdr_eval_overall_score",
			Help:    "Overall evaluation score of persisted drafts",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		reflectRounds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdr_reflection_rounds",
			Help:    "Reflection rounds used by persisted drafts",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		regression: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdr_eval_regressing",
			Help: "1 when the recent overall score regressed against the baseline",
		}),
		regressionDelta: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdr_eval_regression_delta",
			Help: "Recent minus baseline average overall score",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// StageCompleted records one stage duration.
func (r *Recorder) StageCompleted(stage model.Stage, elapsed time.Duration, err error) {
	r.stageDuration.WithLabelValues(string(stage), status(err)).Observe(elapsed.Seconds())
}

// RunCompleted counts the run outcome and, on success, its scores.
func (r *Recorder) RunCompleted(rec *model.PersistedRecord, failure *model.FailureRecord) {
	if failure != nil {
		r.runsTotal.WithLabelValues("error", string(failure.Stage), string(failure.ErrorKind)).Inc()
		return
	}
	if rec == nil {
		return
	}
	r.runsTotal.WithLabelValues("success", "", "").Inc()
	r.overallScore.Observe(rec.Evaluation.Overall)
	r.reflectRounds.Observe(float64(rec.Draft.Round))
}

// ObserveCall records a provider call.
func (r *Recorder) ObserveCall(provider string, elapsed time.Duration, err error) {
	r.llmRequests.WithLabelValues(provider, status(err), string(model.KindOf(err))).Inc()
	r.llmDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveRetry matches retry.Policy.OnRetry.
func (r *Recorder) ObserveRetry(_ int, _ time.Duration, err error) {
	r.retriesTotal.WithLabelValues(string(model.KindOf(err))).Inc()
}

// SetRegression publishes the latest regression status.
func (r *Recorder) SetRegression(reg Regression) {
	v := 0.0
	if reg.Regressing() {
		v = 1
	}
	r.regression.Set(v)
	r.regressionDelta.Set(reg.Delta)
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case model.KindOf(err) == model.KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
