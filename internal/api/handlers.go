package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/sdragent/internal/engine"
	"github.com/yangwenmai/sdragent/internal/model"
	"github.com/yangwenmai/sdragent/internal/research"
	"github.com/yangwenmai/sdragent/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// POST /api/run
// ---------------------------------------------------------------------------

type runRequest struct {
	Domain string `json:"domain"`
}

// runFailure is the body returned for a run that failed after it started.
type runFailure struct {
	RunID     string          `json:"run_id,omitempty"`
	Domain    string          `json:"domain,omitempty"`
	Stage     model.Stage     `json:"stage,omitempty"`
	ErrorKind model.ErrorKind `json:"error_kind"`
	Error     string          `json:"error"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}

	rec, err := s.runner.Run(r.Context(), req.Domain)
	if err != nil {
		status, body := runError(req.Domain, err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// runError maps a pipeline error onto an HTTP status and body.
func runError(domain string, err error) (int, runFailure) {
	body := runFailure{Domain: domain, ErrorKind: model.KindOf(err), Error: err.Error()}
	var se *engine.StageError
	switch {
	case errors.Is(err, model.ErrInvalidDomain):
		body.ErrorKind = model.KindInvalidInput
		return http.StatusBadRequest, body
	case errors.As(err, &se):
		body.RunID = se.RunID
		body.Stage = se.Stage
		body.ErrorKind = se.ErrorKind
		return http.StatusBadGateway, body
	default:
		slog.Error("run failed outside a stage", "domain", domain, "error", err)
		return http.StatusInternalServerError, body
	}
}

// ---------------------------------------------------------------------------
// POST /api/runs/batch
// ---------------------------------------------------------------------------

type batchRequest struct {
	Domains []string `json:"domains"`
}

type batchResult struct {
	Domain string                 `json:"domain"`
	Status int                    `json:"status"`
	Record *model.PersistedRecord `json:"record,omitempty"`
	Error  *runFailure            `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Domains) == 0 {
		writeError(w, http.StatusBadRequest, "domains is required")
		return
	}
	if len(req.Domains) > maxBatchDomains {
		writeError(w, http.StatusBadRequest, "too many domains")
		return
	}

	results := make([]batchResult, len(req.Domains))
	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)
	for i, d := range req.Domains {
		g.Go(func() error {
			res := batchResult{Domain: d, Status: http.StatusOK}
			rec, err := s.runner.Run(r.Context(), d)
			if err != nil {
				status, body := runError(d, err)
				res.Status = status
				res.Error = &body
			} else {
				res.Record = rec
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Status == http.StatusOK {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

// ---------------------------------------------------------------------------
// CRM views
// ---------------------------------------------------------------------------

type crmRow struct {
	RunID        string    `json:"run_id"`
	Domain       string    `json:"domain"`
	CompanyName  string    `json:"company_name"`
	Summary      string    `json:"summary"`
	Subject      string    `json:"subject"`
	OverallScore float64   `json:"overall_score"`
	CreatedAt    time.Time `json:"created_at"`
}

type crmFullRow struct {
	crmRow
	PainPoints         []string `json:"pain_points"`
	ValueProps         []string `json:"value_props"`
	Sources            []string `json:"sources"`
	ResearchGap        bool     `json:"research_gap"`
	Body               string   `json:"body"`
	BodyHTML           string   `json:"body_html"`
	CallToAction       string   `json:"call_to_action"`
	ReflectionRounds   int      `json:"reflection_rounds"`
	FinalCritiqueScore int      `json:"final_critique_score"`
	Relevance          float64  `json:"relevance"`
	Personalization    float64  `json:"personalization"`
	Tone               float64  `json:"tone"`
	Clarity            float64  `json:"clarity"`
	Rationale          string   `json:"rationale"`
}

func newCRMRow(rec model.PersistedRecord) crmRow {
	return crmRow{
		RunID:        rec.Run.RunID,
		Domain:       rec.Run.Domain,
		CompanyName:  rec.Research.Fact(research.FactCompanyName, rec.Run.Domain),
		Summary:      rec.Research.Summary,
		Subject:      rec.Draft.Subject,
		OverallScore: rec.Evaluation.Overall,
		CreatedAt:    rec.CompletedAt,
	}
}

func newCRMFullRow(rec model.PersistedRecord) crmFullRow {
	row := crmFullRow{
		crmRow:           newCRMRow(rec),
		PainPoints:       splitFact(rec.Research, research.FactPainPoints),
		ValueProps:       splitFact(rec.Research, research.FactValueProps),
		Sources:          splitFact(rec.Research, research.FactSources),
		ResearchGap:      rec.Research.Gap,
		Body:             rec.Draft.Body,
		BodyHTML:         engine.BodyHTML(rec.Draft.Body),
		CallToAction:     rec.Draft.CallToAction,
		ReflectionRounds: rec.Draft.Round,
		Relevance:        rec.Evaluation.Relevance,
		Personalization:  rec.Evaluation.Personalization,
		Tone:             rec.Evaluation.Tone,
		Clarity:          rec.Evaluation.Clarity,
		Rationale:        rec.Evaluation.Rationale,
	}
	if rec.FinalCritique != nil {
		row.FinalCritiqueScore = rec.FinalCritique.Score
	}
	return row
}

// splitFact turns a "; " joined fact back into a list.
func splitFact(snap model.ResearchSnapshot, key string) []string {
	out := []string{}
	for _, p := range strings.Split(snap.Fact(key, ""), ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GET /api/crm/recent?limit=
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ReadRecent(r.Context(), intParam(r, "limit", 10, 1, 100))
	if err != nil {
		slog.Error("read recent records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read records")
		return
	}
	rows := make([]crmRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, newCRMRow(rec))
	}
	writeJSON(w, http.StatusOK, rows)
}

// GET /api/crm/full?limit=
func (s *Server) handleFull(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ReadRecent(r.Context(), intParam(r, "limit", 500, 1, 5000))
	if err != nil {
		slog.Error("read full records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read records")
		return
	}
	rows := make([]crmFullRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, newCRMFullRow(rec))
	}
	writeJSON(w, http.StatusOK, rows)
}

// GET /api/crm/{run_id}
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), r.PathValue("run_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		slog.Error("get record", "run_id", r.PathValue("run_id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/leads?limit=
func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := s.store.ListLeads(r.Context(), intParam(r, "limit", 100, 1, 1000))
	if err != nil {
		slog.Error("list leads", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	if leads == nil {
		leads = []store.Lead{}
	}
	writeJSON(w, http.StatusOK, leads)
}

// GET /api/failures?limit=
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.store.ListFailures(r.Context(), intParam(r, "limit", 50, 1, 500))
	if err != nil {
		slog.Error("list failures", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if failures == nil {
		failures = []model.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// ---------------------------------------------------------------------------
// Quality metrics
// ---------------------------------------------------------------------------

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reports.Summary(r.Context())
	if err != nil {
		slog.Error("metrics summary", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/metrics/dimensions-trend?days=
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	trends, err := s.reports.DimensionTrends(r.Context(), intParam(r, "days", 14, 3, 90))
	if err != nil {
		slog.Error("dimension trends", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute trends")
		return
	}
	writeJSON(w, http.StatusOK, trends)
}

// GET /api/eval-regression?threshold_drop=
func (s *Server) handleRegression(w http.ResponseWriter, r *http.Request) {
	threshold := floatParam(r, "threshold_drop", s.defaultThreshold, 0.1, 3.0)
	reg, err := s.reports.Regression(r.Context(), threshold)
	if err != nil {
		slog.Error("regression status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute regression")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}
