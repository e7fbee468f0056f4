package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/codebench/internal/capture"
)

// programName appears in tracebacks.
const programName = "program"

// fileOptions enables the Python-like parts of the dialect learners expect.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Interpreter is a Sandbox backed by one in-process Starlark interpreter.
// Globals defined by one run stay visible to the next; values carried over
// from earlier runs are frozen and cannot be mutated in place.
type Interpreter struct {
	policy   Policy
	registry *Registry
	logger   *slog.Logger
	input    capture.InputFunc

	sem *semaphore.Weighted // one run at a time

	mu     sync.Mutex // guards h and closed
	h      *handle
	closed bool
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// WithInput sets the input provider used when a run has no scripted inputs.
func WithInput(fn capture.InputFunc) Option {
	return func(in *Interpreter) { in.input = fn }
}

// WithRegistry replaces the package registry.
func WithRegistry(r *Registry) Option {
	return func(in *Interpreter) { in.registry = r }
}

// NewInterpreter creates an interpreter sandbox. Nothing is loaded until
// Bootstrap or the first Execute.
func NewInterpreter(policy Policy, opts ...Option) *Interpreter {
	in := &Interpreter{
		policy: policy,
		logger: slog.Default(),
		input:  capture.NoInput,
		sem:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.registry == nil {
		in.registry = NewRegistry(policy.PackagesDir)
	}
	return in
}

// Bootstrap builds the shared interpreter state. A failed bootstrap leaves
// nothing behind, so calling it again retries from scratch.
func (in *Interpreter) Bootstrap(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	if in.h != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	h, err := in.newHandle()
	if err != nil {
		in.logger.Error("sandbox bootstrap failed", "err", err)
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	in.h = h
	in.logger.Info("sandbox ready", "took", time.Since(start), "packages", h.installed())
	return nil
}

func (in *Interpreter) newHandle() (*handle, error) {
	h := &handle{
		streams: capture.Streams{
			Stdout: io.Discard,
			Stderr: io.Discard,
			Stdin:  in.input,
		},
		globals:  make(starlark.StringDict),
		packages: make(starlark.StringDict),
	}
	h.builtins = starlark.StringDict{
		"print": starlark.NewBuiltin("print", h.print),
		"input": starlark.NewBuiltin("input", h.readInput),
	}

	for _, name := range in.policy.Preinstall {
		if _, err := in.install(h, name); err != nil {
			return nil, err
		}
	}

	if in.policy.PreludeFile != "" {
		src, err := os.ReadFile(in.policy.PreludeFile)
		if err != nil {
			return nil, fmt.Errorf("reading prelude: %w", err)
		}
		if err := h.run(string(src), 0, in.loader(h)); err != nil {
			return nil, fmt.Errorf("running prelude: %s", faultText(err))
		}
	}
	return h, nil
}

// Execute runs one program. Concurrent callers queue; ctx only bounds the
// wait for the interpreter, not the run itself.
func (in *Interpreter) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := in.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer in.sem.Release(1)

	if err := in.Bootstrap(ctx); err != nil {
		return nil, err
	}
	h := in.current()
	if h == nil {
		return nil, ErrClosed
	}

	start := time.Now()
	captured, err := capture.With(h, req.ScriptedInputs, in.policy.MaxOutputBytes, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("interpreter panic: %v", r)
			}
		}()
		if fault := h.run(req.Source, in.policy.MaxSteps, in.loader(h)); fault != nil {
			io.WriteString(h.Streams().Stderr, faultText(fault))
		}
		return nil
	})
	if err != nil {
		in.logger.Error("sandbox execution aborted", "err", err)
		return nil, err
	}

	res := &ExecutionResult{
		CapturedOutput:     captured.Text,
		ConsumedInputCount: captured.Consumed,
		ErrorText:          captured.Stderr,
		Truncated:          captured.Truncated,
		Duration:           time.Since(start),
	}
	in.logger.Debug("sandbox execution finished",
		"took", res.Duration,
		"output_bytes", len(res.CapturedOutput),
		"consumed_inputs", res.ConsumedInputCount,
		"faulted", res.Faulted())
	return res, nil
}

// InstallPackage handles "install <name>".
func (in *Interpreter) InstallPackage(ctx context.Context, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) != 2 || fields[0] != "install" {
		return "", fmt.Errorf("%w: %q (expected \"install <name>\")", ErrUnsupportedCommand, strings.TrimSpace(command))
	}

	if err := in.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer in.sem.Release(1)

	if err := in.Bootstrap(ctx); err != nil {
		return "", err
	}
	h := in.current()
	if h == nil {
		return "", ErrClosed
	}

	msg, err := in.install(h, fields[1])
	if err != nil {
		in.logger.Warn("package install failed", "package", fields[1], "err", err)
		return "", err
	}
	in.logger.Info("package installed", "package", fields[1])
	return msg, nil
}

func (in *Interpreter) install(h *handle, name string) (string, error) {
	if _, ok := h.packages[name]; ok {
		return fmt.Sprintf("%s is already installed", name), nil
	}
	if !in.policy.IsPackageAllowed(name) {
		return "", fmt.Errorf("%w: package %q is not allowed", ErrPackageUnavailable, name)
	}
	v, err := in.registry.Resolve(name)
	if err != nil {
		return "", fmt.Errorf("installing %s: %w", name, err)
	}
	h.packages[name] = v
	return fmt.Sprintf("Successfully installed %s", name), nil
}

// Installed lists installed packages. It returns nil before bootstrap.
func (in *Interpreter) Installed() []string {
	h := in.current()
	if h == nil {
		return nil
	}
	return h.installed()
}

// Ready reports whether the interpreter has been bootstrapped.
func (in *Interpreter) Ready() bool {
	return in.current() != nil
}

// Reset throws away the shared namespace. The next run bootstraps again.
func (in *Interpreter) Reset(ctx context.Context) error {
	if err := in.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer in.sem.Release(1)

	in.mu.Lock()
	in.h = nil
	in.mu.Unlock()
	return nil
}

// Close releases the interpreter. Further calls fail with ErrClosed.
func (in *Interpreter) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.h = nil
	return nil
}

func (in *Interpreter) current() *handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.h
}

func (in *Interpreter) loader(h *handle) func(*starlark.Thread, string) (starlark.StringDict, error) {
	return func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
		v, ok := h.packages[module]
		if !ok {
			return nil, fmt.Errorf("package %q is not installed (run: install %s)", module, module)
		}
		return moduleMembers(v)
	}
}

// handle is the single live interpreter state.
type handle struct {
	mu      sync.Mutex // guards streams
	streams capture.Streams

	builtins starlark.StringDict
	packages starlark.StringDict
	globals  starlark.StringDict
}

func (h *handle) Streams() capture.Streams {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams
}

func (h *handle) SetStreams(s capture.Streams) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = s
}

func (h *handle) run(src string, maxSteps uint64, load func(*starlark.Thread, string) (starlark.StringDict, error)) error {
	thread := &starlark.Thread{
		Name: programName,
		Print: func(_ *starlark.Thread, msg string) {
			h.write(msg + "\n")
		},
		Load: load,
	}
	if maxSteps > 0 {
		thread.SetMaxExecutionSteps(maxSteps)
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, programName, src, h.predeclared())
	for name, v := range globals {
		if v != nil {
			h.globals[name] = v
		}
	}
	return err
}

// predeclared layers user globals over packages over builtins.
func (h *handle) predeclared() starlark.StringDict {
	env := make(starlark.StringDict, len(h.builtins)+len(h.packages)+len(h.globals))
	for _, layer := range []starlark.StringDict{h.builtins, h.packages, h.globals} {
		for k, v := range layer {
			env[k] = v
		}
	}
	return env
}

func (h *handle) installed() []string {
	names := make([]string, 0, len(h.packages))
	for name := range h.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *handle) write(s string) {
	if out := h.Streams().Stdout; out != nil {
		io.WriteString(out, s)
	}
}

// print mirrors Python's print(*args, sep=" ", end="\n").
func (h *handle) print(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep, end := " ", "\n"
	for _, kv := range kwargs {
		key, _ := starlark.AsString(kv[0])
		if kv[1] == starlark.None {
			continue
		}
		val, ok := starlark.AsString(kv[1])
		if !ok {
			return nil, fmt.Errorf("%s: %s must be None or a string, not %s", b.Name(), key, kv[1].Type())
		}
		switch key {
		case "sep":
			sep = val
		case "end":
			end = val
		default:
			return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), key)
		}
	}

	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteString(sep)
		}
		if s, ok := starlark.AsString(arg); ok {
			sb.WriteString(s)
		} else {
			sb.WriteString(arg.String())
		}
	}
	sb.WriteString(end)
	h.write(sb.String())
	return starlark.None, nil
}

// readInput mirrors Python's input(prompt="").
func (h *handle) readInput(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt starlark.Value = starlark.String("")
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &prompt); err != nil {
		return nil, err
	}
	p, ok := starlark.AsString(prompt)
	if !ok {
		p = prompt.String()
	}

	read := h.Streams().Stdin
	if read == nil {
		read = capture.NoInput
	}
	line, err := read(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return starlark.String(strings.TrimRight(line, "\r\n")), nil
}

// faultText renders a program fault the way a learner should see it.
func faultText(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}
