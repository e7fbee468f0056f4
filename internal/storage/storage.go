package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/codebench/internal/harness"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Progress status values as stored.
const (
	StatusPending    = "pending"
	StatusInProgress = "inProgress"
	StatusCompleted  = "completed"
)

// Progress mirrors one student's state on one assignment.
type Progress struct {
	StudentID    string    `json:"student_id"`
	AssignmentID string    `json:"assignment_id"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProgressListOptions controls filtering and pagination for ListProgress.
type ProgressListOptions struct {
	StudentID    string
	AssignmentID string
	Status       string
	Limit        int
	Offset       int
}

// Submission is one graded attempt.
type Submission struct {
	ID           string               `json:"id"`
	StudentID    string               `json:"student_id"`
	AssignmentID string               `json:"assignment_id"`
	Mode         string               `json:"mode"`
	Source       string               `json:"source"`
	Passed       bool                 `json:"passed"`
	PassedCount  int                  `json:"passed_count"`
	Total        int                  `json:"total"`
	Results      []harness.CaseResult `json:"results"`
	CreatedAt    time.Time            `json:"created_at"`
}

// SubmissionListOptions controls filtering and pagination for ListSubmissions.
type SubmissionListOptions struct {
	StudentID    string
	AssignmentID string
	Limit        int
	Offset       int
}

// Store is the persistence interface for progress and submissions.
type Store interface {
	// SaveProgress inserts or replaces the row for (student, assignment).
	SaveProgress(ctx context.Context, p *Progress) error

	// LoadProgress returns the row for (student, assignment) or ErrNotFound.
	LoadProgress(ctx context.Context, studentID, assignmentID string) (*Progress, error)

	// ListProgress returns progress rows ordered by updated_at descending.
	ListProgress(ctx context.Context, opts ProgressListOptions) ([]Progress, error)

	// CreateSubmission inserts a submission. The ID field must be set by the caller.
	CreateSubmission(ctx context.Context, s *Submission) error

	// GetSubmission returns a submission by ID or ID prefix.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// ListSubmissions returns submissions ordered by created_at descending.
	ListSubmissions(ctx context.Context, opts SubmissionListOptions) ([]Submission, error)

	// Close releases resources.
	Close() error
}
