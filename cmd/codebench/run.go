package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebench/internal/capture"
	"github.com/michaelbrown/codebench/internal/sandbox"
	"github.com/michaelbrown/codebench/internal/source"
)

var (
	inputFlags []string
	stdinFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run <program>",
	Short: "Run a program once",
	Long: `Run a program file in a fresh sandbox. Files ending in .json are read as
block graphs; anything else is program text.

Examples:
  codebench run hello.star
  codebench run sum.star --input 2 --input 3
  codebench run echo.json --stdin < answers.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&inputFlags, "input", "i", nil, "Scripted input value (repeatable)")
	runCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read scripted input values from stdin, one per line")
	rootCmd.AddCommand(runCmd)
}

// terminalInput reads input() values interactively. The prompt goes to
// stderr so captured output matches what a graded run would see.
func terminalInput(r *bufio.Reader) capture.InputFunc {
	return func(prompt string) (string, error) {
		if prompt != "" {
			fmt.Fprint(os.Stderr, prompt)
		}
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return "", capture.ErrNoInput
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

// loadProgram reads a program file and returns its source.
func loadProgram(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		g, err := source.ParseGraph(data)
		if err != nil {
			return "", err
		}
		return source.Generate(g)
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	src, err := loadProgram(args[0])
	if err != nil {
		return err
	}

	inputs := inputFlags
	if stdinFlag {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			inputs = append(inputs, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	opts := []sandbox.Option{sandbox.WithLogger(logger)}
	if len(inputs) == 0 {
		opts = append(opts, sandbox.WithInput(terminalInput(bufio.NewReader(os.Stdin))))
	}
	box := sandbox.NewInterpreter(policyFor(cfg), opts...)
	defer box.Close()

	res, err := box.Execute(cmd.Context(), sandbox.ExecutionRequest{Source: src, ScriptedInputs: inputs})
	if err != nil {
		return err
	}

	fmt.Print(res.CapturedOutput)
	if res.Truncated {
		color.Yellow("(output truncated)")
	}
	if res.Faulted() {
		color.New(color.FgRed).Fprintln(os.Stderr, strings.TrimRight(res.ErrorText, "\n"))
		return fmt.Errorf("program raised an error")
	}
	return nil
}
