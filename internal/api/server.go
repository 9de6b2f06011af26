package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/yangwenmai/sdragent/internal/metrics"
	"github.com/yangwenmai/sdragent/internal/model"
	"github.com/yangwenmai/sdragent/internal/store"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// maxBatchDomains caps a single batch request.
const maxBatchDomains = 50

// Runner executes one drafting run for a raw domain.
type Runner interface {
	Run(ctx context.Context, rawDomain string) (*model.PersistedRecord, error)
}

// Reports serves the quality metrics views.
type Reports interface {
	Summary(ctx context.Context) (metrics.Summary, error)
	DimensionTrends(ctx context.Context, days int) (metrics.Trends, error)
	Regression(ctx context.Context, threshold float64) (metrics.Regression, error)
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	runner  Runner
	store   store.Repository
	reports Reports
	mux     *http.ServeMux

	corsOrigin       string
	batchConcurrency int
	defaultThreshold float64
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigin sets the allowed CORS origin.
func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithBatchConcurrency bounds how many batch runs execute at once.
func WithBatchConcurrency(n int) Option {
	return func(s *Server) { s.batchConcurrency = n }
}

// WithRegressionThreshold sets the default threshold_drop.
func WithRegressionThreshold(t float64) Option {
	return func(s *Server) { s.defaultThreshold = t }
}

// New creates a new API server.
func New(runner Runner, repo store.Repository, reports Reports, opts ...Option) *Server {
	srv := &Server{
		runner:           runner,
		store:            repo,
		reports:          reports,
		mux:              http.NewServeMux(),
		corsOrigin:       "*",
		batchConcurrency: 4,
		defaultThreshold: 0.5,
	}
	for _, o := range opts {
		o(srv)
	}
	if srv.batchConcurrency < 1 {
		srv.batchConcurrency = 1
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.corsOrigin, limitBody(jsonContent(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/run", s.handleRun)
	s.mux.HandleFunc("POST /api/runs/batch", s.handleBatch)
	s.mux.HandleFunc("GET /api/crm/recent", s.handleRecent)
	s.mux.HandleFunc("GET /api/crm/full", s.handleFull)
	s.mux.HandleFunc("GET /api/crm/{run_id}", s.handleGetRecord)
	s.mux.HandleFunc("GET /api/leads", s.handleLeads)
	s.mux.HandleFunc("GET /api/failures", s.handleFailures)
	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /api/metrics/dimensions-trend", s.handleTrends)
	s.mux.HandleFunc("GET /api/eval-regression", s.handleRegression)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// intParam reads an integer query parameter, clamped to [lo, hi]. A missing
// or malformed value yields def.
func intParam(r *http.Request, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return max(lo, min(hi, v))
}

func floatParam(r *http.Request, name string, def, lo, hi float64) float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(name), 64)
	if err != nil || math.IsNaN(v) {
		return def
	}
	return max(lo, min(hi, v))
}
