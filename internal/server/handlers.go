package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
	"github.com/michaelbrown/codebench/internal/session"
	"github.com/michaelbrown/codebench/internal/source"
	"github.com/michaelbrown/codebench/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes the request body into v. An empty body leaves v alone.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, progress.ErrGatingViolation),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrSessionMismatch):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrUnsupportedCommand),
		errors.Is(err, sandbox.ErrPackageUnavailable),
		errors.Is(err, session.ErrWrongMode):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, assignment.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return sess, ok
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// --- Assignment handlers ---

type assignmentSummary struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Mode      progress.Mode `json:"mode"`
	TestCount int           `json:"test_count"`
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	list := s.catalog.List()
	out := make([]assignmentSummary, 0, len(list))
	for _, a := range list {
		out = append(out, assignmentSummary{ID: a.ID, Title: a.Title, Mode: a.Mode, TestCount: len(a.Tests)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	out := make([]session.State, 0, len(list))
	for _, sess := range list {
		st, err := sess.State(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	StudentID    string `json:"student_id"`
	AssignmentID string `json:"assignment_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.StudentID == "" || req.AssignmentID == "" {
		writeError(w, http.StatusBadRequest, "student_id and assignment_id are required")
		return
	}

	a, err := s.catalog.Get(req.AssignmentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), "", req.StudentID, a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := sess.State(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeState(w, r, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	st, err := sess.State(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setSourceRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req setSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := sess.SetText(req.Source); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeState(w, r, sess)
}

func (s *Server) handleSetBlocks(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	blocks, err := sess.Blocks()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := source.ParseGraph(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	blocks.Replace(g)
	s.writeState(w, r, sess)
}

type runRequest struct {
	Inputs []string `json:"inputs"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res, err := sess.Run(r.Context(), req.Inputs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	out, err := sess.Submit(r.Context(), nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type installRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req installRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	msg, err := sess.Install(r.Context(), req.Command)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleMarkInProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	p, err := sess.MarkInProgress(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Progress handlers ---

func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" {
		if _, err := progress.ParseStatus(status); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if s.store == nil {
		out := []progress.Progress{}
		for _, p := range s.tracker.List(q.Get("student_id")) {
			if status == "" || string(p.Status) == status {
				out = append(out, p)
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	rows, err := s.store.ListProgress(r.Context(), storage.ProgressListOptions{
		StudentID:    q.Get("student_id"),
		AssignmentID: q.Get("assignment_id"),
		Status:       status,
		Limit:        queryInt(r, "limit"),
		Offset:       queryInt(r, "offset"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.Progress{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	student, assignmentID := chi.URLParam(r, "student"), chi.URLParam(r, "assignment")
	if p, ok := s.tracker.Get(student, assignmentID); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotFound, "progress not found")
		return
	}
	rec, err := s.store.LoadProgress(r.Context(), student, assignmentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Submission handlers ---

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "submissions are not stored")
		return false
	}
	return true
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	subs, err := s.store.ListSubmissions(r.Context(), storage.SubmissionListOptions{
		StudentID:    q.Get("student_id"),
		AssignmentID: q.Get("assignment_id"),
		Limit:        queryInt(r, "limit"),
		Offset:       queryInt(r, "offset"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []storage.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	sub, err := s.store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleExportSubmission(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	sub, err := s.store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, storage.ExportMarkdown(sub))
	case "json":
		data, err := storage.ExportJSON(sub)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "format must be markdown or json")
	}
}
