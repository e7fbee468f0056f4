package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebench/internal/capture"
	"github.com/michaelbrown/codebench/internal/sandbox"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive interpreter session",
	Long: `Start an interactive session against one sandbox. Definitions persist
between entries. Lines ending in ':' open a block that ends at an empty line.

  install <name>   install a package for later load() calls
  :reset           start over with an empty namespace
  :quit            exit`,
	RunE: runRepl,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ">>> ",
		HistoryFile:     os.ExpandEnv("$HOME/.codebench/repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	box := sandbox.NewInterpreter(policyFor(cfg),
		sandbox.WithLogger(logger),
		sandbox.WithInput(readlineInput(rl)),
	)
	defer box.Close()

	ctx := cmd.Context()
	if err := box.Bootstrap(ctx); err != nil {
		return err
	}
	fmt.Println("codebench repl. Type :quit to exit.")

	var pending []string
	for {
		if len(pending) > 0 {
			rl.SetPrompt("... ")
		} else {
			rl.SetPrompt(">>> ")
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				pending = nil
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if len(pending) > 0 {
			if strings.TrimSpace(line) != "" {
				pending = append(pending, line)
				continue
			}
			line, pending = strings.Join(pending, "\n"), nil
		} else {
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == "":
				continue
			case trimmed == ":quit" || trimmed == ":q":
				return nil
			case trimmed == ":reset":
				if err := box.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("Namespace cleared.")
				continue
			case strings.HasPrefix(trimmed, "install "):
				msg, err := box.InstallPackage(ctx, trimmed)
				if err != nil {
					color.Red("%v", err)
				} else {
					fmt.Println(msg)
				}
				continue
			case strings.HasSuffix(trimmed, ":"):
				pending = []string{line}
				continue
			}
		}

		res, err := box.Execute(ctx, sandbox.ExecutionRequest{Source: line})
		if err != nil {
			return err
		}
		fmt.Print(res.CapturedOutput)
		if res.Faulted() {
			color.Red("%s", strings.TrimRight(res.ErrorText, "\n"))
		}
	}
}

// readlineInput serves input() from the terminal.
func readlineInput(rl *readline.Instance) capture.InputFunc {
	return func(prompt string) (string, error) {
		old := rl.Config.Prompt
		rl.SetPrompt(prompt)
		defer rl.SetPrompt(old)
		line, err := rl.Readline()
		if err != nil {
			return "", capture.ErrNoInput
		}
		return line, nil
	}
}
