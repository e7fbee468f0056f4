// Package session ties one learner's editor state to a sandbox, the test
// harness and the progress tracker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
	"github.com/michaelbrown/codebench/internal/source"
	"github.com/michaelbrown/codebench/internal/storage"
)

var (
	// ErrBusy is returned when a run or submission is already in flight.
	ErrBusy = errors.New("a run is already in progress")

	// ErrWrongMode is returned when editing a session through the other
	// mode's surface.
	ErrWrongMode = errors.New("operation does not match the session mode")

	// ErrSessionMismatch is returned when an existing session id is reused
	// for another student or assignment.
	ErrSessionMismatch = errors.New("session belongs to another student or assignment")
)

// Recorder stores graded submissions. storage.Store satisfies it.
type Recorder interface {
	CreateSubmission(ctx context.Context, sub *storage.Submission) error
}

// Options configures a Session.
type Options struct {
	ID         string
	StudentID  string
	Assignment *assignment.Assignment
	Sandbox    sandbox.Sandbox
	Tracker    *progress.Tracker
	Recorder   Recorder // optional
	Logger     *slog.Logger
}

// Session is the execution state behind one editor.
type Session struct {
	id         string
	studentID  string
	assignment *assignment.Assignment
	box        sandbox.Sandbox
	provider   source.Provider
	harness    *harness.Harness
	tracker    *progress.Tracker
	recorder   Recorder
	logger     *slog.Logger
	createdAt  time.Time

	mu      sync.Mutex
	running bool
	testing bool
	gate    progress.Progress // only HasSuccessfulRun is used; sticky for the session
}

// New builds a session seeded with the assignment's starter program.
func New(opts Options) (*Session, error) {
	if opts.Assignment == nil || opts.Sandbox == nil || opts.Tracker == nil {
		return nil, fmt.Errorf("assignment, sandbox and tracker are required")
	}
	if opts.StudentID == "" {
		return nil, fmt.Errorf("student id is required")
	}
	provider, err := opts.Assignment.NewProvider()
	if err != nil {
		return nil, fmt.Errorf("creating source provider: %w", err)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", opts.ID, "student", opts.StudentID, "assignment", opts.Assignment.ID)

	return &Session{
		id:         opts.ID,
		studentID:  opts.StudentID,
		assignment: opts.Assignment,
		box:        opts.Sandbox,
		provider:   provider,
		harness:    harness.New(opts.Sandbox, logger),
		tracker:    opts.Tracker,
		recorder:   opts.Recorder,
		logger:     logger,
		createdAt:  time.Now().UTC(),
		gate:       *progress.New(opts.StudentID, opts.Assignment.ID),
	}, nil
}

func (s *Session) ID() string                         { return s.id }
func (s *Session) StudentID() string                  { return s.studentID }
func (s *Session) Assignment() *assignment.Assignment { return s.assignment }
func (s *Session) Mode() progress.Mode                { return s.assignment.Mode }
func (s *Session) Source() string                     { return s.provider.CurrentSource() }

// SetText replaces the program of a text-mode session.
func (s *Session) SetText(src string) error {
	t, ok := s.provider.(*source.Text)
	if !ok {
		return fmt.Errorf("%w: session is in %s mode", ErrWrongMode, s.Mode())
	}
	t.Set(src)
	return nil
}

// Blocks returns the block provider of a blocks-mode session.
func (s *Session) Blocks() (*source.Blocks, error) {
	b, ok := s.provider.(*source.Blocks)
	if !ok {
		return nil, fmt.Errorf("%w: session is in %s mode", ErrWrongMode, s.Mode())
	}
	return b, nil
}

// Run executes the current program once with optional scripted inputs. A
// clean run unlocks block submissions for the rest of this session.
func (s *Session) Run(ctx context.Context, inputs []string) (*sandbox.ExecutionResult, error) {
	if err := s.begin(&s.running); err != nil {
		return nil, err
	}
	defer s.end(&s.running)

	src := s.provider.CurrentSource()
	res, err := s.box.Execute(ctx, sandbox.ExecutionRequest{Source: src, ScriptedInputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("running program: %w", err)
	}
	s.mu.Lock()
	s.gate.RecordRun(src, res)
	s.mu.Unlock()
	s.logger.Debug("run finished", "faulted", res.Faulted(), "duration", res.Duration)
	return res, nil
}

// Outcome is the result of a submission. Verdict is set in blocks mode and
// Report in text mode.
type Outcome struct {
	SubmissionID string            `json:"submission_id,omitempty"`
	Mode         progress.Mode     `json:"mode"`
	Passed       bool              `json:"passed"`
	Verdict      *harness.Verdict  `json:"verdict,omitempty"`
	Report       *harness.Report   `json:"report,omitempty"`
	Progress     progress.Progress `json:"progress"`
}

// Submit validates the current program against the assignment's tests.
// Block programs stop at the first failing case; text programs get a
// report for every case. A passing submission completes the assignment.
func (s *Session) Submit(ctx context.Context, obs harness.Observer) (*Outcome, error) {
	if err := s.begin(&s.testing); err != nil {
		return nil, err
	}
	defer s.end(&s.testing)

	src := s.provider.CurrentSource()
	mode := s.Mode()
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if err := gate.CheckSubmit(mode, src); err != nil {
		return nil, err
	}

	out := &Outcome{Mode: mode}
	var results []harness.CaseResult
	var passedCount int

	if mode == progress.ModeBlocks {
		v, err := s.harness.FailFast(ctx, src, s.assignment.Tests, obs)
		if err != nil {
			return nil, err
		}
		out.Verdict, out.Passed = v, v.Passed
		passedCount = v.Executed
		if v.Failure != nil {
			passedCount--
			results = []harness.CaseResult{*v.Failure}
		}
	} else {
		r, err := s.harness.FullReport(ctx, src, s.assignment.Tests, obs)
		if err != nil {
			return nil, err
		}
		out.Report, out.Passed = r, r.AllPassed
		passedCount = r.PassedCount()
		results = r.Results
	}

	var p progress.Progress
	var err error
	if out.Passed {
		p, err = s.tracker.MarkCompleted(ctx, s.studentID, s.assignment.ID)
	} else {
		p, err = s.tracker.Open(ctx, s.studentID, s.assignment.ID)
	}
	if err != nil {
		return nil, err
	}
	p.HasSuccessfulRun = gate.HasSuccessfulRun
	out.Progress = p

	if s.recorder != nil {
		sub := &storage.Submission{
			ID:           uuid.NewString(),
			StudentID:    s.studentID,
			AssignmentID: s.assignment.ID,
			Mode:         string(mode),
			Source:       src,
			Passed:       out.Passed,
			PassedCount:  passedCount,
			Total:        len(s.assignment.Tests),
			Results:      results,
		}
		if err := s.recorder.CreateSubmission(ctx, sub); err != nil {
			s.logger.Warn("recording submission failed", "err", err)
		} else {
			out.SubmissionID = sub.ID
		}
	}

	s.logger.Info("submission graded", "passed", out.Passed, "cases", len(s.assignment.Tests))
	return out, nil
}

// Install forwards a package command to the sandbox.
func (s *Session) Install(ctx context.Context, command string) (string, error) {
	return s.box.InstallPackage(ctx, command)
}

// MarkInProgress records that the student opened the assignment.
func (s *Session) MarkInProgress(ctx context.Context) (progress.Progress, error) {
	p, err := s.tracker.MarkInProgress(ctx, s.studentID, s.assignment.ID)
	if err != nil {
		return p, err
	}
	s.mu.Lock()
	p.HasSuccessfulRun = s.gate.HasSuccessfulRun
	s.mu.Unlock()
	return p, nil
}

// State is a snapshot for the editor.
type State struct {
	ID           string            `json:"id"`
	StudentID    string            `json:"student_id"`
	AssignmentID string            `json:"assignment_id"`
	Mode         progress.Mode     `json:"mode"`
	Source       string            `json:"source"`
	Graph        *source.Graph     `json:"graph,omitempty"`
	GraphError   string            `json:"graph_error,omitempty"`
	Running      bool              `json:"running"`
	Testing      bool              `json:"testing"`
	Progress     progress.Progress `json:"progress"`
	CreatedAt    time.Time         `json:"created_at"`
}

// State returns the current snapshot.
func (s *Session) State(ctx context.Context) (State, error) {
	p, err := s.tracker.Open(ctx, s.studentID, s.assignment.ID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	p.HasSuccessfulRun = s.gate.HasSuccessfulRun
	st := State{
		ID:           s.id,
		StudentID:    s.studentID,
		AssignmentID: s.assignment.ID,
		Mode:         s.Mode(),
		Running:      s.running,
		Testing:      s.testing,
		Progress:     p,
		CreatedAt:    s.createdAt,
	}
	s.mu.Unlock()

	st.Source = s.provider.CurrentSource()
	if b, ok := s.provider.(*source.Blocks); ok {
		st.Graph = b.Graph()
		if err := b.Err(); err != nil {
			st.GraphError = err.Error()
		}
	}
	return st, nil
}

// Busy reports whether a run or submission is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running || s.testing
}

// Close releases the sandbox.
func (s *Session) Close() error {
	return s.box.Close()
}

// begin sets flag unless anything is already in flight.
func (s *Session) begin(flag *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.testing {
		return ErrBusy
	}
	*flag = true
	return nil
}

func (s *Session) end(flag *bool) {
	s.mu.Lock()
	*flag = false
	s.mu.Unlock()
}
