package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/storage"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds so stored values sort
// correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, p *storage.Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (student_id, assignment_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(student_id, assignment_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.StudentID, p.AssignmentID, p.Status,
		p.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadProgress(ctx context.Context, studentID, assignmentID string) (*storage.Progress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT student_id, assignment_id, status, updated_at
		FROM progress WHERE student_id = ? AND assignment_id = ?`, studentID, assignmentID)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress %s/%s: %w", studentID, assignmentID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProgress(ctx context.Context, opts storage.ProgressListOptions) ([]storage.Progress, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT student_id, assignment_id, status, updated_at FROM progress WHERE 1 = 1`
	var args []any

	if opts.StudentID != "" {
		query += ` AND student_id = ?`
		args = append(args, opts.StudentID)
	}
	if opts.AssignmentID != "" {
		query += ` AND assignment_id = ?`
		args = append(args, opts.AssignmentID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *storage.Submission) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	results, err := json.Marshal(sub.Results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, student_id, assignment_id, mode, source, passed, passed_count, total, results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.StudentID, sub.AssignmentID, sub.Mode, sub.Source,
		sub.Passed, sub.PassedCount, sub.Total, string(results),
		sub.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, student_id, assignment_id, mode, source, passed, passed_count, total, results, created_at`

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*storage.Submission, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying submission: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id LIKE ? || '%'`, id)
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

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("submission %s: %w", id, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous submission prefix %q matches %d submissions", id, len(matches))
	}
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, opts storage.SubmissionListOptions) ([]storage.Submission, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1 = 1`
	var args []any

	if opts.StudentID != "" {
		query += ` AND student_id = ?`
		args = append(args, opts.StudentID)
	}
	if opts.AssignmentID != "" {
		query += ` AND assignment_id = ?`
		args = append(args, opts.AssignmentID)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner works with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanProgress(s scanner) (*storage.Progress, error) {
	var p storage.Progress
	var updatedAt string
	if err := s.Scan(&p.StudentID, &p.AssignmentID, &p.Status, &updatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func scanSubmission(s scanner) (*storage.Submission, error) {
	var sub storage.Submission
	var results, createdAt string
	err := s.Scan(&sub.ID, &sub.StudentID, &sub.AssignmentID, &sub.Mode, &sub.Source,
		&sub.Passed, &sub.PassedCount, &sub.Total, &results, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(results), &sub.Results); err != nil {
		return nil, fmt.Errorf("unmarshaling results: %w", err)
	}
	if sub.Results == nil {
		sub.Results = []harness.CaseResult{}
	}
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sub, nil
}
