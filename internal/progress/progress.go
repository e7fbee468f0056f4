// Package progress tracks where a student stands on an assignment.
package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/codebench/internal/sandbox"
)

// ErrGatingViolation is returned when a submission is not yet allowed.
var ErrGatingViolation = errors.New("submission not allowed")

// Status is the assignment state for one student.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
)

// ParseStatus validates a stored or user-supplied status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Mode is the editing surface an assignment uses.
type Mode string

const (
	ModeBlocks Mode = "blocks"
	ModeText   Mode = "text"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBlocks, ModeText:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want blocks or text)", s)
}

// Progress is one (student, assignment) pair. Methods are not safe for
// concurrent use; Tracker serializes access.
//
// HasSuccessfulRun belongs to a single editing session. Tracker never sets,
// stores or restores it; sessions fill it in from their own run history.
type Progress struct {
	StudentID        string    `json:"student_id"`
	AssignmentID     string    `json:"assignment_id"`
	Status           Status    `json:"status"`
	HasSuccessfulRun bool      `json:"has_successful_run"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// New returns a pending Progress.
func New(studentID, assignmentID string) *Progress {
	return &Progress{
		StudentID:    studentID,
		AssignmentID: assignmentID,
		Status:       StatusPending,
	}
}

// MarkInProgress moves pending to inProgress. It reports whether anything
// changed.
func (p *Progress) MarkInProgress() bool {
	if p.Status != StatusPending {
		return false
	}
	p.Status = StatusInProgress
	p.UpdatedAt = time.Now().UTC()
	return true
}

// MarkCompleted moves any state to completed.
func (p *Progress) MarkCompleted() bool {
	if p.Status == StatusCompleted {
		return false
	}
	p.Status = StatusCompleted
	p.UpdatedAt = time.Now().UTC()
	return true
}

// RecordRun notes an ad hoc run. Once set the flag stays set.
func (p *Progress) RecordRun(source string, res *sandbox.ExecutionResult) bool {
	if p.HasSuccessfulRun || !CleanRun(source, res) {
		return false
	}
	p.HasSuccessfulRun = true
	p.UpdatedAt = time.Now().UTC()
	return true
}

// CheckSubmit applies CheckSubmit with p's run flag. It never changes p.
func (p *Progress) CheckSubmit(mode Mode, source string) error {
	return CheckSubmit(mode, source, p.HasSuccessfulRun)
}

// CleanRun reports whether a run unlocks block submissions: non-empty
// source, no fault, and some output.
func CleanRun(source string, res *sandbox.ExecutionResult) bool {
	if res == nil || res.Faulted() || res.CapturedOutput == "" {
		return false
	}
	return strings.TrimSpace(source) != ""
}

// CheckSubmit reports whether source may be submitted in mode. Blank source
// is never accepted; block programs also need a clean run in the same
// session first.
func CheckSubmit(mode Mode, source string, hasSuccessfulRun bool) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("%w: the program is empty", ErrGatingViolation)
	}
	if mode == ModeBlocks && !hasSuccessfulRun {
		return fmt.Errorf("%w: run your program successfully before submitting", ErrGatingViolation)
	}
	return nil
}
