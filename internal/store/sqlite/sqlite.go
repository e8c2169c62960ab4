// Package sqlite is an embedded record store on modernc.org/sqlite.
//
// All access goes through a single connection, so the select-then-mark
// transaction in ClaimBatch cannot interleave with another claim.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	title       TEXT NOT NULL,
	abstract    TEXT NOT NULL DEFAULT '',
	keywords    TEXT NOT NULL DEFAULT '[]',
	authors     TEXT NOT NULL DEFAULT '[]',
	year        INTEGER NOT NULL DEFAULT 0,
	doi         TEXT NOT NULL DEFAULT '',
	journal     TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	claimed_by  TEXT,
	claimed_at  INTEGER,
	decision    TEXT,
	confidence  REAL,
	rationale   TEXT,
	decided_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_studies_job_id ON studies(job_id);
CREATE INDEX IF NOT EXISTS idx_studies_claim ON studies(job_id, decision, claimed_at);
`

const studyColumns = `id, job_id, title, abstract, keywords, authors, year, doi, journal, metadata`

// Store is the SQLite backend.
type Store struct {
	db     *sql.DB
	opts   store.Options
	logger *slog.Logger
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Pinger = (*Store)(nil)
)

// Open opens (creating if needed) the database at path.
func Open(path string, logger *slog.Logger, opts ...store.Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("sqlite store ready", "path", path)
	return &Store{db: db, opts: store.BuildOptions(opts...), logger: logger}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddStudies inserts studies in one transaction; existing ids are skipped.
func (s *Store) AddStudies(ctx context.Context, jobID types.JobID, studies []types.Study) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, types.Transient("add studies", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO studies (`+studyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return 0, types.Transient("add studies", err)
	}
	defer stmt.Close()

	stored := 0
	for _, st := range studies {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		keywords, authors, metadata, err := encodeLists(st)
		if err != nil {
			return 0, types.Permanent("add studies", err)
		}
		res, err := stmt.ExecContext(ctx, st.ID, string(jobID), st.Title, st.Abstract,
			keywords, authors, st.Year, st.DOI, st.Journal, metadata)
		if err != nil {
			return 0, types.Transient("add studies", fmt.Errorf("failed to insert study %s: %w", st.ID, err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, types.Transient("add studies", fmt.Errorf("failed to commit transaction: %w", err))
	}
	s.logger.Debug("studies stored", "jobID", jobID, "count", stored)
	return stored, nil
}

// ClaimBatch selects and marks claimable studies inside one transaction.
func (s *Store) ClaimBatch(ctx context.Context, jobID types.JobID, claimant string, n int) ([]types.StudyRef, error) {
	if err := store.ValidateClaim(jobID, claimant, n); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Transient("claim batch", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+studyColumns+`
		FROM studies
		WHERE job_id = ?
		  AND decision IS NULL
		  AND (claimed_by IS NULL OR claimed_at < ?)
		ORDER BY rowid ASC
		LIMIT ?`, string(jobID), s.cutoff(), n)
	if err != nil {
		return nil, types.Transient("claim batch", fmt.Errorf("failed to query studies: %w", err))
	}

	var studies []types.Study
	for rows.Next() {
		st, err := scanStudy(rows)
		if err != nil {
			rows.Close()
			return nil, types.Transient("claim batch", err)
		}
		studies = append(studies, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, types.Transient("claim batch", err)
	}
	rows.Close()

	if len(studies) == 0 {
		return []types.StudyRef{}, nil
	}

	now := s.opts.Now()
	args := make([]any, 0, len(studies)+2)
	args = append(args, claimant, now.UnixNano())
	for _, st := range studies {
		args = append(args, st.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE studies
		SET claimed_by = ?, claimed_at = ?
		WHERE id IN (`+placeholders(len(studies))+`)`, args...); err != nil {
		return nil, types.Transient("claim batch", fmt.Errorf("failed to claim studies: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, types.Transient("claim batch", fmt.Errorf("failed to commit transaction: %w", err))
	}

	refs := make([]types.StudyRef, len(studies))
	for i, st := range studies {
		refs[i] = types.StudyRef{Study: st, ClaimedBy: claimant, ClaimedAt: now}
	}
	return refs, nil
}

// RecordDecision sets the decision if claimant still owns the claim.
func (s *Store) RecordDecision(ctx context.Context, studyID, claimant string, outcome types.Outcome) error {
	if err := store.ValidateOutcome(outcome); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE studies
		SET decision = ?, confidence = ?, rationale = ?, decided_at = ?
		WHERE id = ? AND claimed_by = ? AND decision IS NULL`,
		string(outcome.Decision), outcome.Confidence, outcome.Rationale, s.opts.Now().UnixNano(),
		studyID, claimant)
	if err != nil {
		return types.Transient("record decision", err)
	}
	return s.checkOwned(ctx, res, studyID)
}

// Release clears the claim if claimant still owns it.
func (s *Store) Release(ctx context.Context, studyID, claimant string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE studies
		SET claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND claimed_by = ? AND decision IS NULL`, studyID, claimant)
	if err != nil {
		return types.Transient("release", err)
	}
	return s.checkOwned(ctx, res, studyID)
}

// Count reports the job's totals.
func (s *Store) Count(ctx context.Context, jobID types.JobID) (store.Counts, error) {
	var c store.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN decision IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN decision IS NULL AND claimed_by IS NOT NULL AND claimed_at >= ? THEN 1 ELSE 0 END), 0)
		FROM studies
		WHERE job_id = ?`, s.cutoff(), string(jobID)).Scan(&c.Total, &c.Decided, &c.Claimed)
	if err != nil {
		return c, types.Transient("count", err)
	}
	return c, nil
}

// ============================================================================
// Internal helpers
// ============================================================================

func (s *Store) cutoff() int64 {
	cutoff := s.opts.LeaseCutoff()
	if cutoff.IsZero() {
		return math.MinInt64
	}
	return cutoff.UnixNano()
}

// checkOwned turns a zero-row conditional update into ErrStudyNotFound or
// ErrClaimLost.
func (s *Store) checkOwned(ctx context.Context, res sql.Result, studyID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.Transient("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM studies WHERE id = ?`, studyID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrStudyNotFound
	}
	if err != nil {
		return types.Transient("lookup study", err)
	}
	return store.ErrClaimLost
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudy(row scanner) (types.Study, error) {
	var (
		st                         types.Study
		jobID                      string
		keywords, authors, rawMeta string
	)
	if err := row.Scan(&st.ID, &jobID, &st.Title, &st.Abstract, &keywords, &authors,
		&st.Year, &st.DOI, &st.Journal, &rawMeta); err != nil {
		return st, fmt.Errorf("failed to scan study: %w", err)
	}
	st.JobID = types.JobID(jobID)
	if err := json.Unmarshal([]byte(keywords), &st.Keywords); err != nil {
		return st, fmt.Errorf("decode keywords of %s: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(authors), &st.Authors); err != nil {
		return st, fmt.Errorf("decode authors of %s: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(rawMeta), &st.Metadata); err != nil {
		return st, fmt.Errorf("decode metadata of %s: %w", st.ID, err)
	}
	return st, nil
}

func encodeLists(st types.Study) (keywords, authors, metadata string, err error) {
	enc := func(v any, empty string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		if string(b) == "null" {
			return empty, nil
		}
		return string(b), nil
	}
	if keywords, err = enc(st.Keywords, "[]"); err != nil {
		return
	}
	if authors, err = enc(st.Authors, "[]"); err != nil {
		return
	}
	metadata, err = enc(st.Metadata, "{}")
	return
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
