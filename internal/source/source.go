// Package source turns what a learner edits into program text.
package source

import (
	"sync"
)

// Provider yields the program text to execute.
type Provider interface {
	CurrentSource() string
}

// Text is a provider over a plain text buffer.
type Text struct {
	mu  sync.RWMutex
	src string
}

// NewText returns a text provider seeded with src.
func NewText(src string) *Text {
	return &Text{src: src}
}

func (t *Text) CurrentSource() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.src
}

// Set replaces the buffer.
func (t *Text) Set(src string) {
	t.mu.Lock()
	t.src = src
	t.mu.Unlock()
}
