package main

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/config"
	"github.com/michaelbrown/codebench/internal/events"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/sandbox"
	"github.com/michaelbrown/codebench/internal/session"
	"github.com/michaelbrown/codebench/internal/storage"
	"github.com/michaelbrown/codebench/internal/storage/postgres"
	"github.com/michaelbrown/codebench/internal/storage/sqlite"
)

// app holds the long-lived pieces shared by serve and mcp.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     storage.Store
	publisher *events.Publisher
	tracker   *progress.Tracker
	catalog   *assignment.Catalog
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	var notifier progress.Notifier
	if cfg.Events.NATSURL != "" {
		a.publisher, err = events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifier = a.publisher
		logger.Info("publishing progress events", "subject", cfg.Events.Subject)
	}
	a.tracker = progress.NewTracker(a.store, notifier, logger)

	if a.catalog, err = assignment.LoadDir(cfg.AssignmentsDir); err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("assignments loaded", "dir", cfg.AssignmentsDir, "count", len(a.catalog.List()))
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// sandboxFactory builds per-session sandboxes. An assignment's packages are
// preinstalled and, when an allow-list is configured, added to it.
func (a *app) sandboxFactory() session.SandboxFactory {
	return func(asg *assignment.Assignment) sandbox.Sandbox {
		policy := policyFor(a.cfg)
		if asg != nil && len(asg.Packages) > 0 {
			if policy.Packages.Cardinality() > 0 {
				policy.Packages.Append(asg.Packages...)
			}
			policy.Preinstall = append(policy.Preinstall, asg.Packages...)
		}
		return sandbox.NewInterpreter(policy, sandbox.WithLogger(a.logger))
	}
}

func policyFor(cfg *config.Config) sandbox.Policy {
	p := sandbox.DefaultPolicy()
	p.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes
	p.MaxSteps = cfg.Sandbox.MaxSteps
	p.Packages = mapset.NewSet(cfg.Sandbox.Packages...)
	p.Preinstall = append([]string(nil), cfg.Sandbox.Preinstall...)
	p.PackagesDir = cfg.Sandbox.PackagesDir
	p.PreludeFile = cfg.Sandbox.Prelude
	return p
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
