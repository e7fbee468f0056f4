package main

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
)

// maxToolText caps text returned to the client.
const maxToolText = 4000

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox as MCP tools over stdio",
	Long: `Expose code_run, run_tests and install_package as MCP tools on stdin/stdout.
All calls share one sandbox, so definitions and installed packages persist
between calls.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// toolServer is one session: clean runs unlock block submissions only for
// the lifetime of this server.
type toolServer struct {
	app  *app
	box  *sandbox.Interpreter
	h    *harness.Harness
	runs mapset.Set[string] // student/assignment pairs with a clean run
}

func runKey(studentID, assignmentID string) string {
	return studentID + "/" + assignmentID
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	box := sandbox.NewInterpreter(policyFor(a.cfg), sandbox.WithLogger(a.logger))
	defer box.Close()

	return server.ServeStdio(newMCPServer(a, box))
}

// newMCPServer registers the sandbox tools. Every call goes through box.
func newMCPServer(a *app, box *sandbox.Interpreter) *server.MCPServer {
	ts := &toolServer{app: a, box: box, h: harness.New(box, a.logger), runs: mapset.NewSet[string]()}
	s := server.NewMCPServer("codebench", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: "Run a program in the shared sandbox. print() output is returned; input() reads from stdin, one value per line.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Program source",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Input values, one per line (optional)",
				},
				"student_id": map[string]any{
					"type":        "string",
					"description": "Student the run belongs to (optional)",
				},
				"assignment_id": map[string]any{
					"type":        "string",
					"description": "Assignment the run belongs to; a clean run unlocks run_tests for block assignments (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, ts.handleCodeRun)

	s.AddTool(mcp.Tool{
		Name:        "run_tests",
		Description: "Validate a program against an assignment's test cases. Block assignments need a clean code_run for the same student and assignment first and stop at the first failing case; text assignments report every case.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"assignment_id": map[string]any{
					"type":        "string",
					"description": "Assignment ID from the catalog",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Program source",
				},
				"student_id": map[string]any{
					"type":        "string",
					"description": "Mark the assignment completed for this student when every case passes (optional)",
				},
			},
			Required: []string{"assignment_id", "code"},
		},
	}, ts.handleRunTests)

	s.AddTool(mcp.Tool{
		Name:        "install_package",
		Description: `Install a package for later load() calls. The command must be "install <name>".`,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": `For example "install math"`,
				},
			},
			Required: []string{"command"},
		},
	}, ts.handleInstall)

	return s
}

func (ts *toolServer) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)
	studentID, _ := args["student_id"].(string)
	assignmentID, _ := args["assignment_id"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}

	res, err := ts.box.Execute(ctx, sandbox.ExecutionRequest{Source: code, ScriptedInputs: harness.SplitInput(stdin)})
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if assignmentID != "" && progress.CleanRun(code, res) {
		ts.runs.Add(runKey(studentID, assignmentID))
	}

	var output strings.Builder
	output.WriteString(res.CapturedOutput)
	if res.Faulted() {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("ERROR:\n" + res.ErrorText)
	}
	if res.Truncated {
		output.WriteString("\n(output truncated by sandbox)")
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: clip(output.String())}},
		IsError: res.Faulted(),
	}, nil
}

func (ts *toolServer) handleRunTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	assignmentID, _ := args["assignment_id"].(string)
	code, _ := args["code"].(string)
	studentID, _ := args["student_id"].(string)

	a, err := ts.app.catalog.Get(assignmentID)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	ran := ts.runs.Contains(runKey(studentID, a.ID))
	if err := progress.CheckSubmit(a.Mode, code, ran); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	var (
		b       strings.Builder
		passed  bool
		results []harness.CaseResult
	)
	if a.Mode == progress.ModeBlocks {
		v, err := ts.h.FailFast(ctx, code, a.Tests, nil)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		passed = v.Passed
		if v.Failure != nil {
			results = []harness.CaseResult{*v.Failure}
		}
		fmt.Fprintf(&b, "%d/%d cases executed\n", v.Executed, v.Total)
	} else {
		r, err := ts.h.FullReport(ctx, code, a.Tests, nil)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		passed, results = r.AllPassed, r.Results
		fmt.Fprintf(&b, "%d/%d cases passed\n", r.PassedCount(), len(a.Tests))
	}

	if passed && studentID != "" {
		if _, err := ts.app.tracker.MarkCompleted(ctx, studentID, a.ID); err != nil {
			ts.app.logger.Warn("marking completed failed", "err", err)
		}
	}

	for _, r := range results {
		mark := "PASS"
		if !r.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "\ncase %d: %s\n", r.Index+1, mark)
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "  expected: %q\n  actual:   %q\n", strings.TrimSpace(r.Case.ExpectedOutput), strings.TrimSpace(r.ActualOutput))
		if r.RuntimeError != "" {
			fmt.Fprintf(&b, "  error: %s\n", strings.TrimSpace(r.RuntimeError))
		}
		if r.Diagnostic != "" {
			fmt.Fprintf(&b, "  note: %s\n", r.Diagnostic)
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: clip(b.String())}},
		IsError: !passed,
	}, nil
}

func (ts *toolServer) handleInstall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	command, _ := args["command"].(string)

	msg, err := ts.box.InstallPackage(ctx, command)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
	}, nil
}

// clip cuts text to maxToolText bytes without splitting a rune.
func clip(text string) string {
	if len(text) <= maxToolText {
		return text
	}
	cut := maxToolText
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n... (output truncated)"
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
