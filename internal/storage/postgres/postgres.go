// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/michaelbrown/codebench/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS progress (
    student_id         TEXT NOT NULL,
    assignment_id      TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending'
                       CHECK(status IN ('pending','inProgress','completed')),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (student_id, assignment_id)
);

CREATE INDEX IF NOT EXISTS idx_progress_status ON progress(status);

CREATE TABLE IF NOT EXISTS submissions (
    id            TEXT PRIMARY KEY,
    student_id    TEXT NOT NULL,
    assignment_id TEXT NOT NULL,
    mode          TEXT NOT NULL CHECK(mode IN ('blocks','text')),
    source        TEXT NOT NULL DEFAULT '',
    passed        BOOLEAN NOT NULL DEFAULT FALSE,
    passed_count  INTEGER NOT NULL DEFAULT 0,
    total         INTEGER NOT NULL DEFAULT 0,
    results       JSONB NOT NULL DEFAULT '[]',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_submissions_student ON submissions(student_id, assignment_id);
`

// Store implements storage.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) SaveProgress(ctx context.Context, p *storage.Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO progress (student_id, assignment_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id, assignment_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		p.StudentID, p.AssignmentID, p.Status, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}
	return nil
}

func (s *Store) LoadProgress(ctx context.Context, studentID, assignmentID string) (*storage.Progress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT student_id, assignment_id, status, updated_at
		FROM progress WHERE student_id = $1 AND assignment_id = $2`, studentID, assignmentID)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("progress %s/%s: %w", studentID, assignmentID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	return p, nil
}

func (s *Store) ListProgress(ctx context.Context, opts storage.ProgressListOptions) ([]storage.Progress, error) {
	q := newQuery(`SELECT student_id, assignment_id, status, updated_at FROM progress WHERE TRUE`)
	q.filter("student_id", opts.StudentID)
	q.filter("assignment_id", opts.AssignmentID)
	q.filter("status", opts.Status)
	q.page("updated_at", opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("listing progress: %w", err)
	}
	defer rows.Close()

	var out []storage.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) CreateSubmission(ctx context.Context, sub *storage.Submission) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	results, err := json.Marshal(sub.Results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO submissions (id, student_id, assignment_id, mode, source, passed, passed_count, total, results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.StudentID, sub.AssignmentID, sub.Mode, sub.Source,
		sub.Passed, sub.PassedCount, sub.Total, results, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, student_id, assignment_id, mode, source, passed, passed_count, total, results, created_at`

func (s *Store) GetSubmission(ctx context.Context, id string) (*storage.Submission, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE id = $1 OR id LIKE $1 || '%' ORDER BY (id = $1) DESC LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("submission %s: %w", id, storage.ErrNotFound)
	case len(matches) == 1 || matches[0].ID == id:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous submission prefix %q", id)
	}
}

func (s *Store) ListSubmissions(ctx context.Context, opts storage.SubmissionListOptions) ([]storage.Submission, error) {
	q := newQuery(`SELECT ` + submissionColumns + ` FROM submissions WHERE TRUE`)
	q.filter("student_id", opts.StudentID)
	q.filter("assignment_id", opts.AssignmentID)
	q.page("created_at", opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	var subs []storage.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// query builds a filtered SELECT with numbered placeholders.
type query struct {
	sql  string
	args []any
}

func newQuery(base string) *query {
	return &query{sql: base}
}

func (q *query) filter(column, value string) {
	if value == "" {
		return
	}
	q.args = append(q.args, value)
	q.sql += " AND " + column + " = $" + strconv.Itoa(len(q.args))
}

func (q *query) page(orderBy string, limit, offset int) {
	if limit <= 0 {
		limit = 50
	}
	q.args = append(q.args, limit, offset)
	q.sql += " ORDER BY " + orderBy + " DESC LIMIT $" + strconv.Itoa(len(q.args)-1) + " OFFSET $" + strconv.Itoa(len(q.args))
}

func scanProgress(row pgx.Row) (*storage.Progress, error) {
	var p storage.Progress
	if err := row.Scan(&p.StudentID, &p.AssignmentID, &p.Status, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSubmission(row pgx.Row) (*storage.Submission, error) {
	var sub storage.Submission
	var results []byte
	err := row.Scan(&sub.ID, &sub.StudentID, &sub.AssignmentID, &sub.Mode, &sub.Source,
		&sub.Passed, &sub.PassedCount, &sub.Total, &results, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &sub.Results); err != nil {
		return nil, fmt.Errorf("unmarshaling results: %w", err)
	}
	return &sub, nil
}
