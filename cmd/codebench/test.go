package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
)

var (
	failFastFlag bool
	fullFlag     bool
)

var errTestsFailed = errors.New("some test cases failed")

var testCmd = &cobra.Command{
	Use:   "test <assignment> <program>",
	Short: "Validate a program against an assignment's test cases",
	Long: `Run every test case of an assignment against a program. The assignment is
an ID from the assignments directory or a path to a .yaml/.toml file.

Block assignments stop at the first failing case; text assignments report
every case. --fail-fast and --full override that.

Examples:
  codebench test sum solution.star
  codebench test ./assignments/echo.yaml echo.json --full`,
	Args: cobra.ExactArgs(2),
	RunE: runTest,
}

func init() {
	testCmd.Flags().BoolVar(&failFastFlag, "fail-fast", false, "Stop at the first failing case")
	testCmd.Flags().BoolVar(&fullFlag, "full", false, "Run every case")
	testCmd.MarkFlagsMutuallyExclusive("fail-fast", "full")
	rootCmd.AddCommand(testCmd)
}

func resolveAssignment(ref, dir string) (*assignment.Assignment, error) {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".yaml", ".yml", ".toml":
		return assignment.LoadFile(ref)
	}
	catalog, err := assignment.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return catalog.Get(ref)
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a, err := resolveAssignment(args[0], cfg.AssignmentsDir)
	if err != nil {
		return err
	}
	src, err := loadProgram(args[1])
	if err != nil {
		return err
	}

	policy := policyFor(cfg)
	policy.Preinstall = append(policy.Preinstall, a.Packages...)
	box := sandbox.NewInterpreter(policy, sandbox.WithLogger(logger))
	defer box.Close()

	h := harness.New(box, logger)
	obs := &printObserver{}
	ctx := cmd.Context()

	failFast := a.Mode == progress.ModeBlocks
	if failFastFlag {
		failFast = true
	}
	if fullFlag {
		failFast = false
	}

	var passed bool
	if failFast {
		v, err := h.FailFast(ctx, src, a.Tests, obs)
		if err != nil {
			return err
		}
		passed = v.Passed
		fmt.Printf("\n%d/%d cases executed\n", v.Executed, v.Total)
	} else {
		r, err := h.FullReport(ctx, src, a.Tests, obs)
		if err != nil {
			return err
		}
		passed = r.AllPassed
		fmt.Printf("\n%d/%d cases passed\n", r.PassedCount(), len(a.Tests))
	}

	if !passed {
		color.Red("FAILED")
		return errTestsFailed
	}
	color.Green("PASSED")
	return nil
}

// printObserver prints one line per case, plus details for failures.
type printObserver struct{}

func (printObserver) StartCase(int, harness.TestCase) {}

func (printObserver) FinishCase(res harness.CaseResult) {
	if res.Passed {
		fmt.Printf("%s case %d\n", color.GreenString("PASS"), res.Index+1)
		return
	}
	fmt.Printf("%s case %d\n", color.RedString("FAIL"), res.Index+1)
	if res.Case.Input != "" {
		fmt.Printf("  input:    %q\n", res.Case.Input)
	}
	fmt.Printf("  expected: %q\n", strings.TrimSpace(res.Case.ExpectedOutput))
	fmt.Printf("  actual:   %q\n", strings.TrimSpace(res.ActualOutput))
	if res.RuntimeError != "" {
		fmt.Printf("  %s\n", color.YellowString(indent(res.RuntimeError, "  ")))
	}
	if res.Diagnostic != "" {
		fmt.Printf("  %s\n", color.CyanString(res.Diagnostic))
	}
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}
