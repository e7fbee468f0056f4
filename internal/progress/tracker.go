package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/michaelbrown/codebench/internal/storage"
)

// Persister mirrors progress to durable storage. storage.Store satisfies it.
type Persister interface {
	SaveProgress(ctx context.Context, p *storage.Progress) error
	LoadProgress(ctx context.Context, studentID, assignmentID string) (*storage.Progress, error)
}

// Notifier is told about every transition.
type Notifier interface {
	Notify(ctx context.Context, p Progress) error
}

type key struct {
	student    string
	assignment string
}

type entry struct {
	mu sync.Mutex
	p  Progress
}

// Tracker owns the assignment status for every pair seen so far. Run
// gating is per session and stays out of it. The persister and notifier
// are mirrors: their failures are logged, and the local transition stands.
type Tracker struct {
	entries *xsync.MapOf[key, *entry]
	persist Persister
	notify  Notifier
	logger  *slog.Logger
}

// NewTracker returns a tracker. persist and notify may be nil.
func NewTracker(persist Persister, notify Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: xsync.NewMapOf[key, *entry](),
		persist: persist,
		notify:  notify,
		logger:  logger,
	}
}

// Open returns the progress for a pair, creating it on first use. A mirrored
// row is loaded when one exists.
func (t *Tracker) Open(ctx context.Context, studentID, assignmentID string) (Progress, error) {
	e, err := t.entry(ctx, studentID, assignmentID)
	if err != nil {
		return Progress{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, nil
}

// Get returns the progress for a pair without creating it.
func (t *Tracker) Get(studentID, assignmentID string) (Progress, bool) {
	e, ok := t.entries.Load(key{studentID, assignmentID})
	if !ok {
		return Progress{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, true
}

// List returns every tracked pair for a student, or for everyone when
// studentID is empty.
func (t *Tracker) List(studentID string) []Progress {
	var out []Progress
	t.entries.Range(func(k key, e *entry) bool {
		if studentID == "" || k.student == studentID {
			e.mu.Lock()
			out = append(out, e.p)
			e.mu.Unlock()
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].AssignmentID < out[j].AssignmentID
	})
	return out
}

// MarkInProgress applies Progress.MarkInProgress.
func (t *Tracker) MarkInProgress(ctx context.Context, studentID, assignmentID string) (Progress, error) {
	return t.apply(ctx, studentID, assignmentID, "in_progress", func(p *Progress) bool {
		return p.MarkInProgress()
	})
}

// MarkCompleted applies Progress.MarkCompleted.
func (t *Tracker) MarkCompleted(ctx context.Context, studentID, assignmentID string) (Progress, error) {
	return t.apply(ctx, studentID, assignmentID, "completed", func(p *Progress) bool {
		return p.MarkCompleted()
	})
}

func (t *Tracker) apply(ctx context.Context, studentID, assignmentID, event string, fn func(*Progress) bool) (Progress, error) {
	e, err := t.entry(ctx, studentID, assignmentID)
	if err != nil {
		return Progress{}, err
	}

	e.mu.Lock()
	changed := fn(&e.p)
	snapshot := e.p
	if changed {
		t.mirror(ctx, snapshot, event)
	}
	e.mu.Unlock()

	return snapshot, nil
}

// mirror must be called with the entry locked so mirrored writes keep
// transition order.
func (t *Tracker) mirror(ctx context.Context, p Progress, event string) {
	t.logger.Info("progress changed",
		"student", p.StudentID, "assignment", p.AssignmentID,
		"status", p.Status, "event", event)

	if t.persist != nil {
		rec := &storage.Progress{
			StudentID:    p.StudentID,
			AssignmentID: p.AssignmentID,
			Status:       string(p.Status),
			UpdatedAt:    p.UpdatedAt,
		}
		if err := t.persist.SaveProgress(ctx, rec); err != nil {
			t.logger.Warn("persisting progress failed", "student", p.StudentID, "assignment", p.AssignmentID, "err", err)
		}
	}
	if t.notify != nil {
		if err := t.notify.Notify(ctx, p); err != nil {
			t.logger.Warn("publishing progress failed", "student", p.StudentID, "assignment", p.AssignmentID, "err", err)
		}
	}
}

func (t *Tracker) entry(ctx context.Context, studentID, assignmentID string) (*entry, error) {
	if studentID == "" || assignmentID == "" {
		return nil, fmt.Errorf("student and assignment are required")
	}
	k := key{studentID, assignmentID}
	if e, ok := t.entries.Load(k); ok {
		return e, nil
	}

	p, err := t.load(ctx, studentID, assignmentID)
	if err != nil {
		return nil, err
	}
	e, _ := t.entries.LoadOrStore(k, &entry{p: *p})
	return e, nil
}

func (t *Tracker) load(ctx context.Context, studentID, assignmentID string) (*Progress, error) {
	if t.persist == nil {
		return New(studentID, assignmentID), nil
	}
	rec, err := t.persist.LoadProgress(ctx, studentID, assignmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return New(studentID, assignmentID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	return &Progress{
		StudentID:    rec.StudentID,
		AssignmentID: rec.AssignmentID,
		Status:       status,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}
