// Package harness validates a program against an assignment's test cases.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/michaelbrown/codebench/internal/sandbox"
)

// UnusedInputDiagnostic is attached to a failing case whose input was never read.
const UnusedInputDiagnostic = "This test provides input, but your program never read any of it. " +
	"Use input() to read values instead of writing them into the program."

// TestCase is one input/expected-output pair. Input holds one scripted value
// per line.
type TestCase struct {
	Input          string `json:"input" yaml:"input" toml:"input"`
	ExpectedOutput string `json:"expected_output" yaml:"expected_output" toml:"expected_output"`
}

// CaseResult is the outcome of running one TestCase.
type CaseResult struct {
	Index              int           `json:"index"`
	Case               TestCase      `json:"case"`
	Passed             bool          `json:"passed"`
	ActualOutput       string        `json:"actual_output"`
	ConsumedInputCount int           `json:"consumed_input_count"`
	Diagnostic         string        `json:"diagnostic,omitempty"`
	RuntimeError       string        `json:"runtime_error,omitempty"`
	Duration           time.Duration `json:"duration_ns"`
}

// Verdict is the result of a fail-fast run.
type Verdict struct {
	Passed   bool        `json:"passed"`
	Executed int         `json:"executed"`
	Total    int         `json:"total"`
	Failure  *CaseResult `json:"failure,omitempty"`
}

// Report is the result of a full-report run.
type Report struct {
	Results   []CaseResult `json:"results"`
	AllPassed bool         `json:"all_passed"`
}

// PassedCount returns how many cases passed.
func (r *Report) PassedCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Passed {
			n++
		}
	}
	return n
}

// Executor runs one program. sandbox.Sandbox satisfies it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
}

// Observer is told about each case as it runs.
type Observer interface {
	StartCase(index int, tc TestCase)
	FinishCase(res CaseResult)
}

type nopObserver struct{}

func (nopObserver) StartCase(int, TestCase) {}
func (nopObserver) FinishCase(CaseResult)   {}

// Harness runs test cases one after another against a single executor.
type Harness struct {
	exec   Executor
	logger *slog.Logger
}

// New returns a harness over exec.
func New(exec Executor, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{exec: exec, logger: logger}
}

// FailFast runs cases in order and stops at the first failure. An empty
// case list passes.
func (h *Harness) FailFast(ctx context.Context, source string, cases []TestCase, obs Observer) (*Verdict, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	v := &Verdict{Total: len(cases)}
	for i, tc := range cases {
		res, err := h.runCase(ctx, i, source, tc, obs)
		if err != nil {
			return nil, err
		}
		v.Executed++
		if !res.Passed {
			v.Failure = &res
			h.logger.Info("fail-fast run stopped", "case", i+1, "total", len(cases))
			return v, nil
		}
	}
	v.Passed = true
	return v, nil
}

// FullReport runs every case regardless of earlier failures.
func (h *Harness) FullReport(ctx context.Context, source string, cases []TestCase, obs Observer) (*Report, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	r := &Report{Results: make([]CaseResult, 0, len(cases)), AllPassed: true}
	for i, tc := range cases {
		res, err := h.runCase(ctx, i, source, tc, obs)
		if err != nil {
			return nil, err
		}
		r.Results = append(r.Results, res)
		if !res.Passed {
			r.AllPassed = false
		}
	}
	h.logger.Info("full report finished", "passed", r.PassedCount(), "total", len(cases))
	return r, nil
}

// runCase executes a single case. Only executor failures are returned as
// errors; faults and mismatches are part of the result.
func (h *Harness) runCase(ctx context.Context, index int, source string, tc TestCase, obs Observer) (CaseResult, error) {
	obs.StartCase(index, tc)

	start := time.Now()
	out, err := h.exec.Execute(ctx, sandbox.ExecutionRequest{
		Source:         source,
		ScriptedInputs: SplitInput(tc.Input),
	})
	if err != nil {
		return CaseResult{}, fmt.Errorf("running case %d: %w", index+1, err)
	}

	res := CaseResult{
		Index:              index,
		Case:               tc,
		ActualOutput:       out.CapturedOutput,
		ConsumedInputCount: out.ConsumedInputCount,
		RuntimeError:       out.ErrorText,
		Duration:           time.Since(start),
	}
	res.Passed = !out.Faulted() && Equal(out.CapturedOutput, tc.ExpectedOutput)
	if !res.Passed && tc.Input != "" && res.ConsumedInputCount == 0 {
		res.Diagnostic = UnusedInputDiagnostic
	}

	h.logger.Debug("case finished", "case", index+1, "passed", res.Passed, "consumed", res.ConsumedInputCount)
	obs.FinishCase(res)
	return res, nil
}

// Equal compares program output with the expected output. Surrounding
// whitespace is ignored; everything inside must match exactly.
func Equal(actual, expected string) bool {
	return strings.TrimSpace(actual) == strings.TrimSpace(expected)
}

// SplitInput turns a case's input into scripted values, one per line. Empty
// input means nothing is scripted.
func SplitInput(input string) []string {
	if input == "" {
		return nil
	}
	values := strings.Split(input, "\n")
	for i, v := range values {
		values[i] = strings.TrimSuffix(v, "\r")
	}
	return values
}
