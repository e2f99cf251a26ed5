package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/eventlog"
)

func newEventCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "event",
		Short: `Append the line on stdin (e.g. {"step": 3}) to the events log`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.track(cmd.Context(), "event", a.runEvent)
		},
	}
}

func (a *app) runEvent(ctx context.Context) error {
	data, err := a.readInput()
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if err := a.events.AppendRaw(ctx, eventlog.StreamEvents, data); err != nil {
		return exitWith(1, err)
	}
	a.ok()
	return nil
}
