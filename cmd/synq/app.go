package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/synqualis/synq/pkg/config"
	"github.com/synqualis/synq/pkg/eventlog"
	"github.com/synqualis/synq/pkg/observability"
)

// app is the per-invocation state shared by subcommands.
type app struct {
	env    config.Env
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg       *config.Config
	logger    *slog.Logger
	events    *eventlog.Writer
	telemetry *observability.Provider
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.env)
	if err != nil {
		return exitWith(1, err)
	}
	a.cfg = cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelWarn
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	a.events = eventlog.NewWriter(cfg.LogsDir)

	a.telemetry, err = observability.New(ctx, observability.ConfigFrom(cfg))
	if err != nil {
		a.logger.WarnContext(ctx, "telemetry disabled", "error", err)
		if a.telemetry, err = observability.New(ctx, nil); err != nil {
			return exitWith(1, fmt.Errorf("init telemetry: %w", err))
		}
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.telemetry == nil {
		return
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.WarnContext(ctx, "telemetry shutdown", "error", err)
	}
}

func (a *app) component(name string) *slog.Logger {
	return a.logger.With("component", name)
}

// track runs fn as one instrumented stage invocation.
func (a *app) track(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, done := a.telemetry.TrackOperation(ctx, stage)
	err := fn(ctx)
	cause := err
	var exit *exitError
	if errors.As(err, &exit) {
		cause = exit.err
	}
	done(cause)
	return err
}

func (a *app) readInput() ([]byte, error) {
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return nil, exitWith(1, fmt.Errorf("read stdin: %w", err))
	}
	return data, nil
}

func (a *app) ok() {
	_, _ = fmt.Fprintln(a.stdout, "OK")
}
