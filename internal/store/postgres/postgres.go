// Package postgres is a record store on PostgreSQL through pgx.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent claimers,
// including ones in other processes, never receive the same study.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	seq         BIGSERIAL UNIQUE,
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	title       TEXT NOT NULL,
	abstract    TEXT NOT NULL DEFAULT '',
	keywords    TEXT[] NOT NULL DEFAULT '{}',
	authors     TEXT[] NOT NULL DEFAULT '{}',
	year        INTEGER NOT NULL DEFAULT 0,
	doi         TEXT NOT NULL DEFAULT '',
	journal     TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL DEFAULT '{}',
	claimed_by  TEXT,
	claimed_at  TIMESTAMPTZ,
	decision    TEXT,
	confidence  DOUBLE PRECISION,
	rationale   TEXT,
	decided_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_studies_claim ON studies (job_id, seq) WHERE decision IS NULL;
`

// Config holds pool settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Store is the PostgreSQL backend.
type Store struct {
	pool   *pgxpool.Pool
	opts   store.Options
	logger *slog.Logger
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Pinger = (*Store)(nil)
)

// Open creates a pgx pool and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...store.Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "screening-queue"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("postgres store ready")
	return &Store{pool: pool, opts: store.BuildOptions(opts...), logger: logger}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// AddStudies inserts studies in one batch; existing ids are skipped.
func (s *Store) AddStudies(ctx context.Context, jobID types.JobID, studies []types.Study) (int, error) {
	batch := &pgx.Batch{}
	for _, st := range studies {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		metadata := st.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO studies (id, job_id, title, abstract, keywords, authors, year, doi, journal, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			st.ID, string(jobID), st.Title, st.Abstract, nonNil(st.Keywords), nonNil(st.Authors),
			st.Year, st.DOI, st.Journal, metadata)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, types.Transient("add studies", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	stored := 0
	for range studies {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, classify("add studies", err)
		}
		stored += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, classify("add studies", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, types.Transient("add studies", err)
	}
	return stored, nil
}

// ClaimBatch marks and returns up to n claimable studies in one statement.
func (s *Store) ClaimBatch(ctx context.Context, jobID types.JobID, claimant string, n int) ([]types.StudyRef, error) {
	if err := store.ValidateClaim(jobID, claimant, n); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id
			FROM studies
			WHERE job_id = $1
			  AND decision IS NULL
			  AND (claimed_by IS NULL OR ($2::timestamptz IS NOT NULL AND claimed_at < $2))
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE studies s
		SET claimed_by = $4, claimed_at = $5
		FROM picked
		WHERE s.id = picked.id
		RETURNING s.seq, s.id, s.job_id, s.title, s.abstract, s.keywords, s.authors,
		          s.year, s.doi, s.journal, s.metadata`,
		string(jobID), s.cutoff(), n, claimant, now)
	if err != nil {
		return nil, classify("claim batch", err)
	}
	defer rows.Close()

	type claimed struct {
		seq int64
		ref types.StudyRef
	}
	var out []claimed
	for rows.Next() {
		var (
			c     claimed
			jobID string
		)
		st := &c.ref.Study
		if err := rows.Scan(&c.seq, &st.ID, &jobID, &st.Title, &st.Abstract, &st.Keywords,
			&st.Authors, &st.Year, &st.DOI, &st.Journal, &st.Metadata); err != nil {
			return nil, types.Transient("claim batch", fmt.Errorf("scan study: %w", err))
		}
		st.JobID = types.JobID(jobID)
		c.ref.ClaimedBy = claimant
		c.ref.ClaimedAt = now
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("claim batch", err)
	}

	// RETURNING order is unspecified
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	refs := make([]types.StudyRef, len(out))
	for i, c := range out {
		refs[i] = c.ref
	}
	return refs, nil
}

// RecordDecision sets the decision if claimant still owns the claim.
func (s *Store) RecordDecision(ctx context.Context, studyID, claimant string, outcome types.Outcome) error {
	if err := store.ValidateOutcome(outcome); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE studies
		SET decision = $1, confidence = $2, rationale = $3, decided_at = $4
		WHERE id = $5 AND claimed_by = $6 AND decision IS NULL`,
		string(outcome.Decision), outcome.Confidence, outcome.Rationale, s.opts.Now(), studyID, claimant)
	if err != nil {
		return classify("record decision", err)
	}
	return s.checkOwned(ctx, tag, studyID)
}

// Release clears the claim if claimant still owns it.
func (s *Store) Release(ctx context.Context, studyID, claimant string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE studies
		SET claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND claimed_by = $2 AND decision IS NULL`, studyID, claimant)
	if err != nil {
		return classify("release", err)
	}
	return s.checkOwned(ctx, tag, studyID)
}

// Count reports the job's totals.
func (s *Store) Count(ctx context.Context, jobID types.JobID) (store.Counts, error) {
	var total, decided, claimed int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE decision IS NOT NULL),
			COUNT(*) FILTER (WHERE decision IS NULL AND claimed_by IS NOT NULL
			                 AND ($2::timestamptz IS NULL OR claimed_at >= $2))
		FROM studies
		WHERE job_id = $1`, string(jobID), s.cutoff()).Scan(&total, &decided, &claimed)
	if err != nil {
		return store.Counts{}, classify("count", err)
	}
	return store.Counts{Total: int(total), Decided: int(decided), Claimed: int(claimed)}, nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// cutoff returns nil when claims never expire.
func (s *Store) cutoff() *time.Time {
	c := s.opts.LeaseCutoff()
	if c.IsZero() {
		return nil
	}
	return &c
}

func (s *Store) checkOwned(ctx context.Context, tag pgconn.CommandTag, studyID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM studies WHERE id = $1`, studyID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrStudyNotFound
	}
	if err != nil {
		return classify("lookup study", err)
	}
	return store.ErrClaimLost
}

// classify maps data errors to permanent failures and everything else
// (connectivity, serialization, cancellation) to transient ones.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23": // data exception, integrity constraint violation
			return types.Permanent(op, err)
		}
	}
	return types.Transient(op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
