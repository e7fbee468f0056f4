package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/michaelbrown/codebench/internal/sandbox"
)

// fakeExecutor answers each call from a queue of results.
type fakeExecutor struct {
	results []*sandbox.ExecutionResult
	err     error
	calls   []sandbox.ExecutionRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

type recordingObserver struct {
	started  []int
	finished []CaseResult
}

func (o *recordingObserver) StartCase(i int, _ TestCase) { o.started = append(o.started, i) }
func (o *recordingObserver) FinishCase(res CaseResult)   { o.finished = append(o.finished, res) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func output(s string) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{CapturedOutput: s, ConsumedInputCount: 1}
}

func passFailPass() ([]TestCase, *fakeExecutor) {
	cases := []TestCase{
		{Input: "1", ExpectedOutput: "1"},
		{Input: "2", ExpectedOutput: "2"},
		{Input: "3", ExpectedOutput: "3"},
	}
	exec := &fakeExecutor{results: []*sandbox.ExecutionResult{output("1\n"), output("wrong\n"), output("3\n")}}
	return cases, exec
}

func TestEqual(t *testing.T) {
	tests := []struct {
		actual, expected string
		want             bool
	}{
		{"42\n", "42", true},
		{"  42  ", "\n42\n", true},
		{"a  b\n", "a b", false},
		{"a\nb\n", "a\nb", true},
		{"a\r\nb", "a\nb", false},
		{"", "   ", true},
	}
	for _, tt := range tests {
		if got := Equal(tt.actual, tt.expected); got != tt.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", tt.actual, tt.expected, got, tt.want)
		}
	}
}

func TestSplitInput(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"5", []string{"5"}},
		{"5\n7", []string{"5", "7"}},
		{"5\r\n7\r\n", []string{"5", "7", ""}},
	}
	for _, tt := range tests {
		got := SplitInput(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("SplitInput(%q) = %q, want %q", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitInput(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestFailFastStopsAtFirstFailure(t *testing.T) {
	cases, exec := passFailPass()
	obs := &recordingObserver{}
	h := New(exec, quietLogger())

	v, err := h.FailFast(context.Background(), "src", cases, obs)
	if err != nil {
		t.Fatalf("FailFast: %v", err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("executed %d cases, want 2", len(exec.calls))
	}
	if v.Passed || v.Executed != 2 || v.Total != 3 {
		t.Errorf("verdict = %+v", v)
	}
	if v.Failure == nil || v.Failure.Index != 1 {
		t.Fatalf("Failure = %+v, want second case", v.Failure)
	}
	if v.Failure.ActualOutput != "wrong\n" || v.Failure.Case.ExpectedOutput != "2" {
		t.Errorf("failure not enriched: %+v", v.Failure)
	}
	if v.Failure.Diagnostic != "" {
		t.Errorf("Diagnostic = %q, want none when input was consumed", v.Failure.Diagnostic)
	}
	if len(obs.started) != 2 || len(obs.finished) != 2 {
		t.Errorf("observer saw %d starts, %d finishes", len(obs.started), len(obs.finished))
	}
}

func TestFailFastAllPass(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.ExecutionResult{output("a"), output("b")}}
	h := New(exec, quietLogger())

	v, err := h.FailFast(context.Background(), "src", []TestCase{{ExpectedOutput: "a"}, {ExpectedOutput: "b"}}, nil)
	if err != nil {
		t.Fatalf("FailFast: %v", err)
	}
	if !v.Passed || v.Failure != nil || v.Executed != 2 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestFullReportRunsEveryCase(t *testing.T) {
	cases, exec := passFailPass()
	h := New(exec, quietLogger())

	r, err := h.FullReport(context.Background(), "src", cases, nil)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	if len(r.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(r.Results))
	}
	want := []bool{true, false, true}
	for i, res := range r.Results {
		if res.Passed != want[i] {
			t.Errorf("case %d passed = %v, want %v", i, res.Passed, want[i])
		}
		if res.Index != i {
			t.Errorf("case %d Index = %d", i, res.Index)
		}
	}
	if r.AllPassed {
		t.Error("AllPassed should be false")
	}
	if r.PassedCount() != 2 {
		t.Errorf("PassedCount = %d, want 2", r.PassedCount())
	}
}

func TestFullReportToleratesFaults(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.ExecutionResult{
		{CapturedOutput: "partial\n", ErrorText: "Traceback: boom"},
		output("ok"),
	}}
	h := New(exec, quietLogger())

	r, err := h.FullReport(context.Background(), "src", []TestCase{{ExpectedOutput: "partial"}, {ExpectedOutput: "ok"}}, nil)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	first := r.Results[0]
	if first.Passed {
		t.Error("faulting case should fail even when output matches")
	}
	if first.RuntimeError != "Traceback: boom" {
		t.Errorf("RuntimeError = %q", first.RuntimeError)
	}
	if !r.Results[1].Passed {
		t.Error("second case should still run and pass")
	}
}

func TestDiagnosticForUnreadInput(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.ExecutionResult{{CapturedOutput: "42\n"}}}
	h := New(exec, quietLogger())

	v, err := h.FailFast(context.Background(), "print(42)", []TestCase{{Input: "5", ExpectedOutput: "5"}}, nil)
	if err != nil {
		t.Fatalf("FailFast: %v", err)
	}
	if v.Failure == nil || v.Failure.Diagnostic == "" {
		t.Fatalf("expected diagnostic, got %+v", v.Failure)
	}
	if v.Failure.ConsumedInputCount != 0 {
		t.Errorf("ConsumedInputCount = %d", v.Failure.ConsumedInputCount)
	}
}

func TestNoDiagnosticWithoutInput(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.ExecutionResult{{CapturedOutput: "1\n"}}}
	h := New(exec, quietLogger())

	r, err := h.FullReport(context.Background(), "src", []TestCase{{ExpectedOutput: "2"}}, nil)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	if r.Results[0].Passed || r.Results[0].Diagnostic != "" {
		t.Errorf("result = %+v, want plain failure", r.Results[0])
	}
}

func TestExecutorErrorAbortsBatch(t *testing.T) {
	exec := &fakeExecutor{err: sandbox.ErrRuntimeUnavailable}
	h := New(exec, quietLogger())

	_, err := h.FullReport(context.Background(), "src", []TestCase{{}, {}}, nil)
	if !errors.Is(err, sandbox.ErrRuntimeUnavailable) {
		t.Fatalf("err = %v, want ErrRuntimeUnavailable", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("executed %d cases after failure, want 1", len(exec.calls))
	}
}

func TestScriptedInputsPassedToExecutor(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.ExecutionResult{output(""), output("")}}
	h := New(exec, quietLogger())

	h.FullReport(context.Background(), "src", []TestCase{{Input: "a\nb"}, {Input: ""}}, nil)
	if got := exec.calls[0].ScriptedInputs; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("first case inputs = %q", got)
	}
	if got := exec.calls[1].ScriptedInputs; got != nil {
		t.Errorf("second case inputs = %q, want nil", got)
	}
}

// Against the real interpreter.

func newInterpreter(t *testing.T) *sandbox.Interpreter {
	t.Helper()
	in := sandbox.NewInterpreter(sandbox.DefaultPolicy(), sandbox.WithLogger(quietLogger()))
	t.Cleanup(func() { in.Close() })
	return in
}

func TestInterpreterEchoInput(t *testing.T) {
	h := New(newInterpreter(t), quietLogger())

	r, err := h.FullReport(context.Background(), "print(input())", []TestCase{{Input: "5", ExpectedOutput: "5"}}, nil)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	res := r.Results[0]
	if !res.Passed || res.ConsumedInputCount != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestInterpreterIgnoredInputStillPasses(t *testing.T) {
	h := New(newInterpreter(t), quietLogger())

	v, err := h.FailFast(context.Background(), "print(42)", []TestCase{{Input: "5", ExpectedOutput: "42"}}, nil)
	if err != nil {
		t.Fatalf("FailFast: %v", err)
	}
	if !v.Passed || v.Failure != nil {
		t.Errorf("verdict = %+v, want pass without diagnostic", v)
	}
}

func TestInterpreterSumOfInputs(t *testing.T) {
	h := New(newInterpreter(t), quietLogger())
	src := "a = int(input())\nb = int(input())\nprint(a + b)\n"
	cases := []TestCase{
		{Input: "2\n3", ExpectedOutput: "5"},
		{Input: "10\n-4", ExpectedOutput: "6"},
		{Input: "1\n1", ExpectedOutput: "3"},
	}

	r, err := h.FullReport(context.Background(), src, cases, nil)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	if r.AllPassed || r.PassedCount() != 2 {
		t.Errorf("passed %d of 3, want 2", r.PassedCount())
	}
	for i, res := range r.Results {
		if res.ConsumedInputCount != 2 {
			t.Errorf("case %d consumed %d, want 2", i, res.ConsumedInputCount)
		}
	}
}

func TestInterpreterFaultRecorded(t *testing.T) {
	h := New(newInterpreter(t), quietLogger())

	r, err := h.FullReport(context.Background(), "print(1 // 0)", []TestCase{{ExpectedOutput: "0"}}, nil)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	if r.Results[0].Passed || r.Results[0].RuntimeError == "" {
		t.Errorf("result = %+v, want runtime error", r.Results[0])
	}
}
