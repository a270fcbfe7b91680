package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/storyreel/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ RunReader        = (*Store)(nil)
	_ RunWriter        = (*Store)(nil)
	_ RunClaimer       = (*Store)(nil)
	_ StateStore       = (*Store)(nil)
	_ PublicationStore = (*Store)(nil)
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store provides data access to the SQLite database.
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
const currentSchemaVersion = 3

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

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: runs and stage records
		s.migrateV2, // v1 → v2: state snapshots
		s.migrateV3, // v2 → v3: publications
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

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		source_type  TEXT NOT NULL,
		source_ref   TEXT NOT NULL,
		status       TEXT NOT NULL,
		current_step TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		summary      TEXT,
		error_info   TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source_type, source_ref);

	CREATE TABLE IF NOT EXISTS stage_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL REFERENCES runs(id),
		attempt     INTEGER NOT NULL,
		stage       TEXT NOT NULL,
		state       TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT,
		counts      TEXT,
		started_at  TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stage_records_run ON stage_records(run_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`ALTER TABLE runs ADD COLUMN state_json TEXT`)
	return err
}

func (s *Store) migrateV3() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS publications (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL REFERENCES runs(id),
			target     TEXT NOT NULL,
			location   TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_publications_run ON publications(run_id, id);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

const runColumns = `id, source_type, source_ref, status, current_step, attempts, summary, error_info, created_at, updated_at`

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, r model.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceType, r.SourceRef, r.Status, r.CurrentStep, r.Attempts,
		r.Summary, r.ErrorInfo, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetRun returns a run with its latest snapshot, stage log and publications.
func (s *Store) GetRun(ctx context.Context, id string) (*model.RunWithState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	st, err := s.LoadState(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	stages, err := s.listStages(ctx, id)
	if err != nil {
		return nil, err
	}
	pubs, err := s.listPublications(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.RunWithState{Run: *r, State: st, Stages: stages, Publications: pubs}, nil
}

// ListRuns returns runs matching the filter, active runs first, newest first.
func (s *Store) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY CASE status WHEN 'RUNNING' THEN 0 WHEN 'QUEUED' THEN 1 WHEN 'FAILED' THEN 2 ELSE 3 END, created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// FindRunBySource returns the newest run for a source, or nil if none exists.
func (s *Store) FindRunBySource(ctx context.Context, sourceType, sourceRef string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE source_type = ? AND source_ref = ? ORDER BY created_at DESC LIMIT 1`,
		sourceType, sourceRef,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// CountByStatus returns the number of runs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		model.RunQueued:  0,
		model.RunRunning: 0,
		model.RunDone:    0,
		model.RunFailed:  0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RequeueRun resets a finished run to QUEUED so a worker resumes it.
func (s *Store) RequeueRun(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_info = NULL, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		model.RunQueued, now, id, model.RunFailed, model.RunDone,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextQueued atomically picks the oldest QUEUED run, marks it RUNNING
// and counts the attempt. Returns nil if no run is available.
func (s *Store) ClaimNextQueued(ctx context.Context) (*model.Run, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	row := s.db.QueryRowContext(ctx, `
		UPDATE runs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT 1)
		RETURNING `+runColumns,
		model.RunRunning, now, model.RunQueued,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// FinishRun records the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id, status string, summary, errorInfo *string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error_info = ?, updated_at = ? WHERE id = ?`,
		status, summary, errorInfo, now, id,
	)
	return err
}

// ResetStaleRunning requeues RUNNING runs left behind by a previous process.
func (s *Store) ResetStaleRunning(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE status = ?`, model.RunQueued, now, model.RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// SaveSnapshot stores the latest pipeline state and current step of a run.
func (s *Store) SaveSnapshot(ctx context.Context, runID string, st *model.PipelineState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET state_json = ?, current_step = ?, updated_at = ? WHERE id = ?`,
		string(b), string(st.CurrentStep), now, runID,
	)
	return err
}

// LoadState returns the latest snapshot of a run, or ErrNotFound.
func (s *Store) LoadState(ctx context.Context, runID string) (*model.PipelineState, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM runs WHERE id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st model.PipelineState
	if err := json.Unmarshal([]byte(raw.String), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// AppendStage adds one stage record to a run's log.
func (s *Store) AppendStage(ctx context.Context, runID string, attempt int, rec model.StageRecord) error {
	var counts *string
	if len(rec.Counts) > 0 {
		b, err := json.Marshal(rec.Counts)
		if err != nil {
			return err
		}
		c := string(b)
		counts = &c
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_records (run_id, attempt, stage, state, outcome, error, counts, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, attempt, rec.Stage, string(rec.State), rec.Outcome, rec.Error, counts,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
	)
	return err
}

func (s *Store) listStages(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, state, outcome, error, counts, started_at, duration_ms FROM stage_records WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stages := []model.StageRecord{}
	for rows.Next() {
		var (
			rec       model.StageRecord
			state     string
			errText   sql.NullString
			counts    sql.NullString
			startedAt string
			durMS     int64
		)
		if err := rows.Scan(&rec.Stage, &state, &rec.Outcome, &errText, &counts, &startedAt, &durMS); err != nil {
			return nil, err
		}
		rec.State = model.State(state)
		rec.Error = errText.String
		rec.Duration = time.Duration(durMS) * time.Millisecond
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if counts.Valid {
			if err := json.Unmarshal([]byte(counts.String), &rec.Counts); err != nil {
				return nil, fmt.Errorf("decode stage counts: %w", err)
			}
		}
		stages = append(stages, rec)
	}
	return stages, rows.Err()
}

// ---------------------------------------------------------------------------
// Publications
// ---------------------------------------------------------------------------

// RecordPublication stores where a run's output was delivered.
func (s *Store) RecordPublication(ctx context.Context, p model.Publication) error {
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publications (run_id, target, location, created_at) VALUES (?, ?, ?, ?)`,
		p.RunID, p.Target, p.Location, p.CreatedAt,
	)
	return err
}

func (s *Store) listPublications(ctx context.Context, runID string) ([]model.Publication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, target, location, created_at FROM publications WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pubs := []model.Publication{}
	for rows.Next() {
		var p model.Publication
		if err := rows.Scan(&p.RunID, &p.Target, &p.Location, &p.CreatedAt); err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.SourceType, &r.SourceRef, &r.Status, &r.CurrentStep, &r.Attempts, &r.Summary, &r.ErrorInfo, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
