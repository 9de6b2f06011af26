package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/sdragent/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ RecordWriter  = (*Store)(nil)
	_ RecordReader  = (*Store)(nil)
	_ FailureReader = (*Store)(nil)
	_ LeadReader    = (*Store)(nil)
)

var (
	// ErrNotFound is returned when no successful record exists for a run id.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateRun is returned when a run already has a persisted outcome.
	ErrDuplicateRun = errors.New("run already persisted")
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite CRM repository.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := []func() error{
		s.migrateV1, // v0 → v1: leads, runs, snapshots, emails, evaluations, failures
		s.migrateV2, // v1 → v2: draft rounds and final critique
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the initial schema (v0 → v1).
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leads (
		domain       TEXT PRIMARY KEY,
		company_name TEXT NOT NULL,
		run_count    INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		domain      TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, finished_at);

	CREATE TABLE IF NOT EXISTS research_snapshots (
		run_id       TEXT PRIMARY KEY REFERENCES runs(run_id),
		summary      TEXT NOT NULL,
		facts_json   TEXT NOT NULL,
		gap          INTEGER NOT NULL DEFAULT 0,
		retrieved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS emails (
		run_id         TEXT PRIMARY KEY REFERENCES runs(run_id),
		subject        TEXT NOT NULL,
		body           TEXT NOT NULL,
		call_to_action TEXT NOT NULL,
		round          INTEGER NOT NULL,
		notes          TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		run_id          TEXT PRIMARY KEY REFERENCES runs(run_id),
		relevance       REAL NOT NULL,
		personalization REAL NOT NULL,
		tone            REAL NOT NULL,
		clarity         REAL NOT NULL,
		overall         REAL NOT NULL,
		rationale       TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_created ON evaluations(created_at);

	CREATE TABLE IF NOT EXISTS run_failures (
		run_id     TEXT PRIMARY KEY REFERENCES runs(run_id),
		stage      TEXT NOT NULL,
		error_kind TEXT NOT NULL,
		cause_kind TEXT NOT NULL DEFAULT '',
		attempts   INTEGER NOT NULL DEFAULT 0,
		message    TEXT NOT NULL,
		failed_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 adds round traces and the final critique (v1 → v2).
func (s *Store) migrateV2() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS draft_rounds (
			run_id        TEXT NOT NULL REFERENCES runs(run_id),
			round         INTEGER NOT NULL,
			draft_json    TEXT NOT NULL,
			critique_json TEXT,
			PRIMARY KEY (run_id, round)
		);
	`); err != nil {
		return fmt.Errorf("create draft_rounds table: %w", err)
	}
	_, err := s.db.Exec(`ALTER TABLE emails ADD COLUMN critique_json TEXT`)
	return err
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// WriteSuccess stores a completed run in one transaction.
func (s *Store) WriteSuccess(ctx context.Context, rec model.PersistedRecord) error {
	facts, err := json.Marshal(rec.Research.Facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	critique, err := encodeCritique(rec.FinalCritique)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	finished := formatTime(rec.CompletedAt)
	if err := insertRun(ctx, tx, rec.Run, statusSucceeded, finished); err != nil {
		return err
	}
	company := rec.Research.Fact("company_name", rec.Run.Domain)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO leads (domain, company_name, run_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			company_name = excluded.company_name,
			run_count = run_count + 1,
			updated_at = excluded.updated_at`,
		rec.Run.Domain, company, finished, finished,
	); err != nil {
		return fmt.Errorf("upsert lead: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO research_snapshots (run_id, summary, facts_json, gap, retrieved_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Run.RunID, rec.Research.Summary, string(facts), rec.Research.Gap, formatTime(rec.Research.RetrievedAt),
	); err != nil {
		return fmt.Errorf("insert research snapshot: %w", err)
	}
	d := rec.Draft
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO emails (run_id, subject, body, call_to_action, round, notes, critique_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Run.RunID, d.Subject, d.Body, d.CallToAction, d.Round, d.Notes, critique,
	); err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	ev := rec.Evaluation
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evaluations (run_id, relevance, personalization, tone, clarity, overall, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Run.RunID, ev.Relevance, ev.Personalization, ev.Tone, ev.Clarity, ev.Overall, ev.Rationale, finished,
	); err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	for i, r := range rec.Rounds {
		draft, err := json.Marshal(r.Draft)
		if err != nil {
			return fmt.Errorf("encode round %d: %w", i, err)
		}
		crit, err := encodeCritique(r.Critique)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO draft_rounds (run_id, round, draft_json, critique_json) VALUES (?, ?, ?, ?)`,
			rec.Run.RunID, i, string(draft), crit,
		); err != nil {
			return fmt.Errorf("insert round %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// WriteFailure stores the failure outcome of a run in one transaction.
func (s *Store) WriteFailure(ctx context.Context, rec model.FailureRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	failed := formatTime(rec.FailedAt)
	run := model.RunContext{RunID: rec.RunID, Domain: rec.Domain, StartedAt: rec.FailedAt}
	if err := insertRun(ctx, tx, run, statusFailed, failed); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_failures (run_id, stage, error_kind, cause_kind, attempts, message, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, string(rec.Stage), string(rec.ErrorKind), string(rec.CauseKind), rec.Attempts, rec.Message, failed,
	); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return tx.Commit()
}

// insertRun claims the run id; a second outcome for the same run is rejected.
func insertRun(ctx context.Context, tx *sql.Tx, run model.RunContext, status, finished string) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, domain, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		run.RunID, run.Domain, status, formatTime(started), finished,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.RunID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const recordColumns = `
	r.run_id, r.domain, r.started_at, r.finished_at,
	rs.summary, rs.facts_json, rs.gap, rs.retrieved_at,
	e.subject, e.body, e.call_to_action, e.round, e.notes, e.critique_json,
	ev.relevance, ev.personalization, ev.tone, ev.clarity, ev.overall, ev.rationale
	FROM runs r
	JOIN research_snapshots rs ON rs.run_id = r.run_id
	JOIN emails e ON e.run_id = r.run_id
	JOIN evaluations ev ON ev.run_id = r.run_id`

// ReadRecent returns up to limit successful records, newest first. Round
// traces are only loaded by GetRecord.
func (s *Store) ReadRecent(ctx context.Context, limit int) ([]model.PersistedRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` WHERE r.status = ? ORDER BY r.finished_at DESC LIMIT ?`,
		statusSucceeded, limit)
}

// ReadSince returns successful records completed at or after since, oldest first.
func (s *Store) ReadSince(ctx context.Context, since time.Time) ([]model.PersistedRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` WHERE r.status = ? AND r.finished_at >= ? ORDER BY r.finished_at ASC`,
		statusSucceeded, formatTime(since))
}

// GetRecord returns one successful record together with its round traces.
func (s *Store) GetRecord(ctx context.Context, runID string) (*model.PersistedRecord, error) {
	recs, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` WHERE r.status = ? AND r.run_id = ?`,
		statusSucceeded, runID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	rec := recs[0]
	rounds, err := s.listRounds(ctx, runID)
	if err != nil {
		return nil, err
	}
	rec.Rounds = rounds
	return &rec, nil
}

// ListFailures returns up to limit failure records, newest first.
func (s *Store) ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.domain, f.stage, f.error_kind, f.cause_kind, f.attempts, f.message, f.failed_at
		FROM run_failures f
		JOIN runs r ON r.run_id = f.run_id
		ORDER BY f.failed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var (
			f                        model.FailureRecord
			stage, kind, cause, when string
		)
		if err := rows.Scan(&f.RunID, &f.Domain, &stage, &kind, &cause, &f.Attempts, &f.Message, &when); err != nil {
			return nil, err
		}
		f.Stage = model.Stage(stage)
		f.ErrorKind = model.ErrorKind(kind)
		f.CauseKind = model.ErrorKind(cause)
		if f.FailedAt, err = parseTime(when); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListLeads returns known prospect domains, most recently drafted first.
func (s *Store) ListLeads(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, company_name, run_count, created_at, updated_at FROM leads ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var (
			l                Lead
			created, updated string
		)
		if err := rows.Scan(&l.Domain, &l.CompanyName, &l.RunCount, &created, &updated); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]model.PersistedRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.PersistedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *Store) listRounds(ctx context.Context, runID string) ([]model.RoundTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT draft_json, critique_json FROM draft_rounds WHERE run_id = ? ORDER BY round ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.RoundTrace
	for rows.Next() {
		var (
			draft    string
			critique sql.NullString
			tr       model.RoundTrace
		)
		if err := rows.Scan(&draft, &critique); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(draft), &tr.Draft); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		if tr.Critique, err = decodeCritique(critique); err != nil {
			return nil, err
		}
		rounds = append(rounds, tr)
	}
	return rounds, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.PersistedRecord, error) {
	var (
		rec                                 model.PersistedRecord
		started, finished, facts, retrieved string
		critique                            sql.NullString
	)
	err := row.Scan(
		&rec.Run.RunID, &rec.Run.Domain, &started, &finished,
		&rec.Research.Summary, &facts, &rec.Research.Gap, &retrieved,
		&rec.Draft.Subject, &rec.Draft.Body, &rec.Draft.CallToAction, &rec.Draft.Round, &rec.Draft.Notes, &critique,
		&rec.Evaluation.Relevance, &rec.Evaluation.Personalization, &rec.Evaluation.Tone, &rec.Evaluation.Clarity,
		&rec.Evaluation.Overall, &rec.Evaluation.Rationale,
	)
	if err != nil {
		return nil, err
	}
	rec.Research.Domain = rec.Run.Domain
	if err := json.Unmarshal([]byte(facts), &rec.Research.Facts); err != nil {
		return nil, fmt.Errorf("decode facts for %s: %w", rec.Run.RunID, err)
	}
	if rec.Run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	if rec.Research.RetrievedAt, err = parseTime(retrieved); err != nil {
		return nil, err
	}
	if rec.FinalCritique, err = decodeCritique(critique); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeCritique(c *model.Critique) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode critique: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeCritique(s sql.NullString) (*model.Critique, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var c model.Critique
	if err := json.Unmarshal([]byte(s.String), &c); err != nil {
		return nil, fmt.Errorf("decode critique: %w", err)
	}
	return &c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
