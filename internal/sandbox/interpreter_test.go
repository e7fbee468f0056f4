package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInterpreter(t *testing.T, policy Policy, opts ...Option) *Interpreter {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	in := NewInterpreter(policy, opts...)
	t.Cleanup(func() { in.Close() })
	return in
}

func execute(t *testing.T, in *Interpreter, src string, inputs ...string) *ExecutionResult {
	t.Helper()
	res, err := in.Execute(context.Background(), ExecutionRequest{Source: src, ScriptedInputs: inputs})
	if err != nil {
		t.Fatalf("Execute(%q): %v", src, err)
	}
	return res
}

func TestExecuteCapturesOutput(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `print("hello")
print("a", 1, True, sep="-", end="!")`)
	if res.CapturedOutput != "hello\na-1-True!" {
		t.Errorf("CapturedOutput = %q", res.CapturedOutput)
	}
	if res.Faulted() {
		t.Errorf("unexpected fault: %s", res.ErrorText)
	}
}

func TestExecuteScriptedInput(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `print(input())`, "5")
	if res.CapturedOutput != "5\n" {
		t.Errorf("CapturedOutput = %q, want %q", res.CapturedOutput, "5\n")
	}
	if res.ConsumedInputCount != 1 {
		t.Errorf("ConsumedInputCount = %d, want 1", res.ConsumedInputCount)
	}
}

func TestExecuteIgnoredInput(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `print(42)`, "5")
	if res.CapturedOutput != "42\n" {
		t.Errorf("CapturedOutput = %q", res.CapturedOutput)
	}
	if res.ConsumedInputCount != 0 {
		t.Errorf("ConsumedInputCount = %d, want 0", res.ConsumedInputCount)
	}
}

func TestExecuteExhaustedScriptReturnsEmpty(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `a = input("a? ")
b = input("b? ")
print("[" + a + "][" + b + "]")`, "x")
	if res.CapturedOutput != "[x][]\n" {
		t.Errorf("CapturedOutput = %q, want prompts unechoed and empty second read", res.CapturedOutput)
	}
	if res.ConsumedInputCount != 1 {
		t.Errorf("ConsumedInputCount = %d, want 1", res.ConsumedInputCount)
	}
}

func TestExecuteFaultKeepsPartialOutput(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `print("before")
x = 1 // 0
print("after")`)
	if !res.Faulted() {
		t.Fatal("expected a fault")
	}
	if !strings.Contains(res.ErrorText, "division by zero") {
		t.Errorf("ErrorText = %q, want division by zero", res.ErrorText)
	}
	if res.CapturedOutput != "before\n" {
		t.Errorf("CapturedOutput = %q, want partial output", res.CapturedOutput)
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `print(`)
	if !res.Faulted() {
		t.Fatal("expected syntax error to be reported as a fault")
	}
	if res.CapturedOutput != "" {
		t.Errorf("CapturedOutput = %q, want empty", res.CapturedOutput)
	}
}

func TestExecuteUndefinedName(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `print(missing)`)
	if !strings.Contains(res.ErrorText, "undefined: missing") {
		t.Errorf("ErrorText = %q", res.ErrorText)
	}
}

func TestExecuteStreamsRestoredBetweenRuns(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	execute(t, in, `print("one")
fail()`, "scripted")

	// The scripted provider from the previous run must not leak.
	res := execute(t, in, `print("two")
input()`)
	if res.CapturedOutput != "two\n" {
		t.Errorf("CapturedOutput = %q, want only second run output", res.CapturedOutput)
	}
	if !strings.Contains(res.ErrorText, "EOF when reading a line") {
		t.Errorf("ErrorText = %q, want default input provider error", res.ErrorText)
	}
	if res.ConsumedInputCount != 0 {
		t.Errorf("ConsumedInputCount = %d, want 0", res.ConsumedInputCount)
	}
}

func TestExecuteSharesGlobals(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	execute(t, in, `x = 41
def double(n):
    return n * 2`)
	res := execute(t, in, `print(double(x + 1) // 2)`)
	if res.CapturedOutput != "42\n" {
		t.Errorf("CapturedOutput = %q, want 42", res.CapturedOutput)
	}

	// Globals from a faulting run are kept too.
	execute(t, in, `y = "kept"
1 // 0`)
	res = execute(t, in, `print(y)`)
	if res.CapturedOutput != "kept\n" {
		t.Errorf("CapturedOutput = %q, want kept", res.CapturedOutput)
	}
}

func TestExecuteCarriedValuesAreFrozen(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	execute(t, in, `items = []`)
	res := execute(t, in, `items.append(1)`)
	if !strings.Contains(res.ErrorText, "frozen") {
		t.Errorf("ErrorText = %q, want frozen list error", res.ErrorText)
	}
}

func TestExecuteSerializes(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := func(string) (string, error) {
		close(entered)
		<-release
		return "late", nil
	}
	in := newTestInterpreter(t, DefaultPolicy(), WithInput(blocking))
	if err := in.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	done := make(chan *ExecutionResult, 1)
	go func() {
		res, err := in.Execute(context.Background(), ExecutionRequest{Source: `print(input())`})
		if err != nil {
			t.Errorf("first Execute: %v", err)
		}
		done <- res
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := in.Execute(ctx, ExecutionRequest{Source: `print("second")`})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Execute err = %v, want it to wait for the first", err)
	}

	close(release)
	first := <-done
	if first == nil || first.CapturedOutput != "late\n" {
		t.Fatalf("first result = %+v", first)
	}

	res := execute(t, in, `print("third")`)
	if res.CapturedOutput != "third\n" {
		t.Errorf("CapturedOutput = %q", res.CapturedOutput)
	}
}

func TestExecuteMaxSteps(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxSteps = 10000
	in := newTestInterpreter(t, policy)

	res := execute(t, in, `while True:
    pass`)
	if !strings.Contains(res.ErrorText, "too many steps") {
		t.Errorf("ErrorText = %q, want step limit", res.ErrorText)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxOutputBytes = 8
	in := newTestInterpreter(t, policy)

	res := execute(t, in, `for i in range(100):
    print(i)`)
	if len(res.CapturedOutput) != 8 || !res.Truncated {
		t.Errorf("CapturedOutput = %q truncated=%v", res.CapturedOutput, res.Truncated)
	}
}

func TestExecuteFaultGoesThroughStderrCapture(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxOutputBytes = 16
	in := newTestInterpreter(t, policy)

	res := execute(t, in, `print("ok")
fail("x" * 100)`)
	if !res.Faulted() {
		t.Fatal("expected a fault")
	}
	if len(res.ErrorText) != 16 || !res.Truncated {
		t.Errorf("ErrorText = %q truncated=%v, want capped stderr", res.ErrorText, res.Truncated)
	}
	if res.CapturedOutput != "ok\n" {
		t.Errorf("CapturedOutput = %q", res.CapturedOutput)
	}

	// The next run starts with an empty stderr sink.
	res = execute(t, in, `print("again")`)
	if res.Faulted() || res.Truncated {
		t.Errorf("fault leaked into the next run: %+v", res)
	}
}

func TestInstallPackage(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())
	ctx := context.Background()

	msg, err := in.InstallPackage(ctx, "install math")
	if err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if !strings.Contains(msg, "math") {
		t.Errorf("msg = %q", msg)
	}

	res := execute(t, in, `print(math.sqrt(16))`)
	if res.CapturedOutput != "4.0\n" {
		t.Errorf("CapturedOutput = %q, ErrorText = %q", res.CapturedOutput, res.ErrorText)
	}

	res = execute(t, in, `load("math", "floor")
print(floor(2.7))`)
	if res.CapturedOutput != "2\n" {
		t.Errorf("load: CapturedOutput = %q, ErrorText = %q", res.CapturedOutput, res.ErrorText)
	}

	msg, err = in.InstallPackage(ctx, "install math")
	if err != nil || !strings.Contains(msg, "already installed") {
		t.Errorf("second install = %q, %v", msg, err)
	}

	if got := in.Installed(); len(got) != 1 || got[0] != "math" {
		t.Errorf("Installed = %v", got)
	}
}

func TestInstallPackageRejectsOtherCommands(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	for _, cmd := range []string{"", "pip install math", "install", "install math json", "uninstall math", "INSTALL math"} {
		_, err := in.InstallPackage(context.Background(), cmd)
		if !errors.Is(err, ErrUnsupportedCommand) {
			t.Errorf("InstallPackage(%q) err = %v, want ErrUnsupportedCommand", cmd, err)
		}
	}
	if in.Ready() {
		t.Error("rejected commands should not bootstrap the interpreter")
	}
}

func TestInstallPackageUnknownOrDisallowed(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy().WithPackages("json"))
	ctx := context.Background()

	if _, err := in.InstallPackage(ctx, "install numpy"); !errors.Is(err, ErrPackageUnavailable) {
		t.Errorf("unknown package err = %v", err)
	}
	if _, err := in.InstallPackage(ctx, "install math"); !errors.Is(err, ErrPackageUnavailable) || !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("disallowed package err = %v", err)
	}
	if _, err := in.InstallPackage(ctx, "install json"); err != nil {
		t.Errorf("allowed package: %v", err)
	}
}

func TestLoadWithoutInstall(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())

	res := execute(t, in, `load("math", "sqrt")`)
	if !strings.Contains(res.ErrorText, "not installed") {
		t.Errorf("ErrorText = %q", res.ErrorText)
	}
}

func TestInstallPackageFromDir(t *testing.T) {
	dir := t.TempDir()
	src := "def hello(name):\n    return \"hi \" + name\n"
	if err := os.WriteFile(filepath.Join(dir, "greet.star"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	policy := DefaultPolicy()
	policy.PackagesDir = dir
	in := newTestInterpreter(t, policy)

	if _, err := in.InstallPackage(context.Background(), "install greet"); err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	res := execute(t, in, `print(greet.hello("bo"))`)
	if res.CapturedOutput != "hi bo\n" {
		t.Errorf("CapturedOutput = %q, ErrorText = %q", res.CapturedOutput, res.ErrorText)
	}
}

func TestBootstrapRetriesAfterFailure(t *testing.T) {
	prelude := filepath.Join(t.TempDir(), "prelude.star")
	policy := DefaultPolicy()
	policy.PreludeFile = prelude
	in := newTestInterpreter(t, policy)
	ctx := context.Background()

	if err := in.Bootstrap(ctx); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("Bootstrap err = %v, want ErrRuntimeUnavailable", err)
	}
	if _, err := in.Execute(ctx, ExecutionRequest{Source: `print(1)`}); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("Execute err = %v, want ErrRuntimeUnavailable", err)
	}

	if err := os.WriteFile(prelude, []byte(`GREETING = "hey"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := in.Bootstrap(ctx); err != nil {
		t.Fatalf("retry Bootstrap: %v", err)
	}
	if err := in.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	res := execute(t, in, `print(GREETING)`)
	if res.CapturedOutput != "hey\n" {
		t.Errorf("CapturedOutput = %q", res.CapturedOutput)
	}
}

func TestBootstrapPreinstall(t *testing.T) {
	policy := DefaultPolicy()
	policy.Preinstall = []string{"math"}
	in := newTestInterpreter(t, policy)

	res := execute(t, in, `print(math.pow(2, 3))`)
	if res.CapturedOutput != "8.0\n" {
		t.Errorf("CapturedOutput = %q, ErrorText = %q", res.CapturedOutput, res.ErrorText)
	}
}

func TestResetClearsGlobals(t *testing.T) {
	in := newTestInterpreter(t, DefaultPolicy())
	ctx := context.Background()

	execute(t, in, `x = 1`)
	if err := in.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	res := execute(t, in, `print(x)`)
	if !res.Faulted() {
		t.Error("expected x to be undefined after Reset")
	}
}

func TestClosed(t *testing.T) {
	in := NewInterpreter(DefaultPolicy(), WithLogger(quietLogger()))
	in.Close()

	if _, err := in.Execute(context.Background(), ExecutionRequest{Source: `print(1)`}); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute err = %v, want ErrClosed", err)
	}
}
