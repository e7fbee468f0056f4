package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
	"github.com/michaelbrown/codebench/internal/session"
	"github.com/michaelbrown/codebench/internal/storage"
	"github.com/michaelbrown/codebench/internal/storage/sqlite"
)

const echoGraphJSON = `{
  "blocks": {
    "p1": {"type": "print", "inputs": {"value": "in1"}},
    "in1": {"type": "input"}
  },
  "roots": ["p1"]
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	catalog, err := assignment.NewCatalog(
		&assignment.Assignment{ID: "echo", Title: "Echo", Mode: progress.ModeBlocks,
			Tests: []harness.TestCase{{Input: "5", ExpectedOutput: "5"}, {Input: "x", ExpectedOutput: "x"}}},
		&assignment.Assignment{ID: "sum", Title: "Sum", Mode: progress.ModeText,
			Tests: []harness.TestCase{{Input: "2\n3", ExpectedOutput: "5"}, {Input: "2\n2", ExpectedOutput: "4"}}},
	)
	if err != nil {
		t.Fatal(err)
	}

	tracker := progress.NewTracker(store, nil, logger)
	factory := func(*assignment.Assignment) sandbox.Sandbox {
		return sandbox.NewInterpreter(sandbox.DefaultPolicy(), sandbox.WithLogger(logger))
	}
	sessions := session.NewManager(factory, tracker, store, logger)
	t.Cleanup(sessions.CloseAll)

	srv := New(catalog, sessions, tracker, store, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decoding %q: %v", method, url, data, err)
		}
	}
	return resp.StatusCode
}

func createSession(t *testing.T, ts *httptest.Server, student, assignmentID string) session.State {
	t.Helper()
	var st session.State
	body := `{"student_id":"` + student + `","assignment_id":"` + assignmentID + `"}`
	if code := do(t, "POST", ts.URL+"/api/sessions", body, &st); code != http.StatusCreated {
		t.Fatalf("create session: status %d", code)
	}
	return st
}

func TestListAssignments(t *testing.T) {
	ts := newTestServer(t)

	var list []assignmentSummary
	if code := do(t, "GET", ts.URL+"/api/assignments", "", &list); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(list) != 2 || list[0].ID != "echo" || list[0].TestCount != 2 {
		t.Errorf("list = %+v", list)
	}
	if code := do(t, "GET", ts.URL+"/api/assignments/nope", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown assignment: status %d", code)
	}
}

func TestBlocksFlow(t *testing.T) {
	ts := newTestServer(t)
	st := createSession(t, ts, "alice", "echo")
	base := ts.URL + "/api/sessions/" + st.ID

	if st.Mode != progress.ModeBlocks || st.Progress.Status != progress.StatusPending {
		t.Fatalf("state = %+v", st)
	}

	if code := do(t, "PUT", base+"/blocks", echoGraphJSON, &st); code != http.StatusOK {
		t.Fatalf("put blocks: status %d", code)
	}
	if st.Source != "print(input())\n" {
		t.Errorf("source = %q", st.Source)
	}

	var errBody map[string]string
	if code := do(t, "POST", base+"/submit", "", &errBody); code != http.StatusConflict {
		t.Fatalf("submit before run: status %d (%v)", code, errBody)
	}

	var res sandbox.ExecutionResult
	if code := do(t, "POST", base+"/run", `{"inputs":["7"]}`, &res); code != http.StatusOK {
		t.Fatalf("run: status %d", code)
	}
	if res.CapturedOutput != "7\n" || res.ConsumedInputCount != 1 {
		t.Errorf("run result = %+v", res)
	}

	var out session.Outcome
	if code := do(t, "POST", base+"/submit", "", &out); code != http.StatusOK {
		t.Fatalf("submit: status %d", code)
	}
	if !out.Passed || out.Progress.Status != progress.StatusCompleted {
		t.Errorf("outcome = %+v", out)
	}

	var p progress.Progress
	if code := do(t, "GET", ts.URL+"/api/progress/alice/echo", "", &p); code != http.StatusOK {
		t.Fatalf("get progress: status %d", code)
	}
	if p.Status != progress.StatusCompleted {
		t.Errorf("progress = %+v", p)
	}

	var subs []storage.Submission
	do(t, "GET", ts.URL+"/api/submissions?student_id=alice", "", &subs)
	if len(subs) != 1 || subs[0].ID != out.SubmissionID {
		t.Fatalf("submissions = %+v", subs)
	}

	resp, err := http.Get(ts.URL + "/api/submissions/" + out.SubmissionID[:8] + "/export")
	if err != nil {
		t.Fatal(err)
	}
	md, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(md), "passed (2/2)") {
		t.Errorf("export = %s", md)
	}
}

func TestTextFlowAndErrors(t *testing.T) {
	ts := newTestServer(t)
	st := createSession(t, ts, "bob", "sum")
	base := ts.URL + "/api/sessions/" + st.ID

	if code := do(t, "PUT", base+"/blocks", echoGraphJSON, nil); code != http.StatusBadRequest {
		t.Errorf("blocks on text session: status %d", code)
	}
	if code := do(t, "POST", base+"/install", `{"command":"pip install math"}`, nil); code != http.StatusBadRequest {
		t.Errorf("bad install command: status %d", code)
	}
	if code := do(t, "POST", base+"/install", `{"command":"install numpy"}`, nil); code != http.StatusBadRequest {
		t.Errorf("unknown package: status %d", code)
	}

	var p progress.Progress
	if code := do(t, "POST", base+"/progress/in-progress", "", &p); code != http.StatusOK || p.Status != progress.StatusInProgress {
		t.Errorf("mark in progress: status %d, %+v", code, p)
	}

	do(t, "PUT", base+"/source", `{"source":"print(int(input()) * int(input()))"}`, nil)
	var out session.Outcome
	if code := do(t, "POST", base+"/submit", "", &out); code != http.StatusOK {
		t.Fatalf("submit: status %d", code)
	}
	if out.Passed || out.Report == nil || len(out.Report.Results) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Report.Results[0].Passed || !out.Report.Results[1].Passed {
		t.Errorf("results = %+v", out.Report.Results)
	}

	var rows []storage.Progress
	do(t, "GET", ts.URL+"/api/progress?student_id=bob&status=inProgress", "", &rows)
	if len(rows) != 1 {
		t.Errorf("progress rows = %+v", rows)
	}
	if code := do(t, "GET", ts.URL+"/api/progress?status=done", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad status filter: status %d", code)
	}

	if code := do(t, "DELETE", base, "", nil); code != http.StatusNoContent {
		t.Errorf("delete: status %d", code)
	}
	if code := do(t, "GET", base, "", nil); code != http.StatusNotFound {
		t.Errorf("get deleted session: status %d", code)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t)

	if code := do(t, "POST", ts.URL+"/api/sessions", `{"student_id":"alice"}`, nil); code != http.StatusBadRequest {
		t.Errorf("missing assignment: status %d", code)
	}
	if code := do(t, "POST", ts.URL+"/api/sessions", `{"student_id":"alice","assignment_id":"nope"}`, nil); code != http.StatusNotFound {
		t.Errorf("unknown assignment: status %d", code)
	}
	if code := do(t, "POST", ts.URL+"/api/sessions", `{not json`, nil); code != http.StatusBadRequest {
		t.Errorf("bad json: status %d", code)
	}
}

func TestWebSocketSubmit(t *testing.T) {
	ts := newTestServer(t)
	st := createSession(t, ts, "carol", "sum")
	do(t, "PUT", ts.URL+"/api/sessions/"+st.ID+"/source", `{"source":"print(int(input()) + int(input()))"}`, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + st.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsIncoming{Type: "submit"}); err != nil {
		t.Fatal(err)
	}

	var types []string
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (got %v)", err, types)
		}
		types = append(types, msg.Type)
		if msg.Type == "verdict" || msg.Type == "error" {
			break
		}
	}

	want := []string{"case_started", "case_finished", "case_started", "case_finished", "verdict"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("messages = %v, want %v", types, want)
	}
}

func TestWebSocketRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	st := createSession(t, ts, "dave", "sum")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + st.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))
	var msg wsOutgoing
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "error" {
		t.Errorf("got %+v", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{progress.ErrGatingViolation, http.StatusConflict},
		{session.ErrBusy, http.StatusConflict},
		{sandbox.ErrUnsupportedCommand, http.StatusBadRequest},
		{sandbox.ErrRuntimeUnavailable, http.StatusServiceUnavailable},
		{storage.ErrNotFound, http.StatusNotFound},
		{assignment.ErrNotFound, http.StatusNotFound},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
