package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/runner"
)

func newRunCmd(a *app) *cobra.Command {
	var deadline time.Duration
	cmd := &cobra.Command{
		Use:   "run [--deadline d] -- <command...>",
		Short: "Run a shell command under a hard deadline and record the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.TrimSpace(strings.Join(args, " "))
			if command == "" {
				return exitWith(2, errors.New(`usage: synq run -- "<command>"`))
			}
			if deadline <= 0 {
				deadline = a.cfg.RunDeadline
			}
			return a.track(cmd.Context(), "run", func(ctx context.Context) error {
				return a.runChunk(ctx, command, deadline)
			})
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "hard deadline (default $SYNQ_RUN_DEADLINE)")
	return cmd
}

func (a *app) runChunk(ctx context.Context, command string, deadline time.Duration) error {
	r := runner.New(a.events,
		runner.WithShell(a.cfg.Shell),
		runner.WithOutput(a.stdout, a.stderr),
		runner.WithLogger(a.component("runner")),
	)
	res, err := r.Run(ctx, command, deadline)
	return exitWith(runner.ExitCode(res, err), err)
}
