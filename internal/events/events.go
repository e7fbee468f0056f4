// Package events publishes progress transitions to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/michaelbrown/codebench/internal/progress"
)

// DefaultSubject is the subject prefix when none is configured.
const DefaultSubject = "codebench.progress"

// Event is the message body.
type Event struct {
	Type     string            `json:"type"`
	Progress progress.Progress `json:"progress"`
	SentAt   time.Time         `json:"sent_at"`
}

// Publisher sends one message per progress transition on
// <prefix>.<assignment>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ progress.Notifier = (*Publisher)(nil)

// Connect dials url and returns a publisher for prefix.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("codebench"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return New(nc, prefix, logger), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Notify publishes p.
func (p *Publisher) Notify(_ context.Context, pr progress.Progress) error {
	b, err := json.Marshal(Event{Type: "progress", Progress: pr, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := Subject(p.prefix, pr.AssignmentID)
	if err := p.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	p.logger.Debug("progress event published", "subject", subject, "status", pr.Status)
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}

// Subject builds the subject for an assignment. Characters NATS treats
// specially are replaced so an ID always maps to a single token.
func Subject(prefix, assignmentID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, assignmentID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}
