// Package capture redirects a host's standard streams for the duration of a
// single program run and hands back what was written.
package capture

import (
	"bytes"
	"errors"
	"io"
)

// ErrNoInput is returned by the default input provider when nothing can be read.
var ErrNoInput = errors.New("EOF when reading a line")

// InputFunc supplies one line of input per call. The prompt is whatever the
// program passed to its read-input primitive.
type InputFunc func(prompt string) (string, error)

// Streams is the set of standard streams a program sees.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  InputFunc
}

// Host is anything whose standard streams can be swapped out.
type Host interface {
	Streams() Streams
	SetStreams(Streams)
}

// Result is what a captured run produced.
type Result struct {
	Text      string // everything written to stdout, untrimmed
	Stderr    string
	Consumed  int // scripted values handed to the program
	Reads     int // read-input calls served by the script, including exhausted ones
	Truncated bool
}

// With redirects host's output into memory and, when scriptedInputs is
// non-empty, replaces its input provider with a Script over those values.
// The previous streams are restored exactly once before With returns,
// including when body panics. limit caps captured bytes per stream; zero
// means unlimited.
func With(host Host, scriptedInputs []string, limit int, body func() error) (res Result, err error) {
	prev := host.Streams()

	stdout := newLimitWriter(limit)
	stderr := newLimitWriter(limit)
	next := Streams{
		Stdout: stdout,
		Stderr: stderr,
		Stdin:  prev.Stdin,
	}

	var script *Script
	if len(scriptedInputs) > 0 {
		script = NewScript(scriptedInputs)
		next.Stdin = script.Read
	}

	host.SetStreams(next)
	defer func() {
		host.SetStreams(prev)

		res.Text = stdout.String()
		res.Stderr = stderr.String()
		res.Truncated = stdout.truncated || stderr.truncated
		if script != nil {
			res.Consumed = script.Consumed()
			res.Reads = script.Reads()
		}
	}()

	err = body()
	return res, err
}

// limitWriter buffers up to max bytes and silently drops the rest.
type limitWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitWriter(max int) *limitWriter {
	return &limitWriter{max: max}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.max <= 0 {
		return w.buf.Write(p)
	}
	room := w.max - w.buf.Len()
	if room <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitWriter) String() string {
	return w.buf.String()
}

// NoInput is an InputFunc for hosts that have nobody to ask.
func NoInput(string) (string, error) {
	return "", ErrNoInput
}
