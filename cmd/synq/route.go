package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/llm"
	"github.com/synqualis/synq/pkg/routing"
)

func newRouteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "route",
		Short: "Select a backend for the request on stdin and forward it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.track(cmd.Context(), "route", a.runRoute)
		},
	}
}

// runRoute always prints one reply line; any HTTP response from the backend,
// whatever its status, is a successful route.
func (a *app) runRoute(ctx context.Context) error {
	data, err := a.readInput()
	if err != nil {
		return err
	}
	engine := routing.NewEngine(a.events,
		routing.WithTimeout(a.cfg.RouterTimeout),
		routing.WithLogger(a.component("routing")),
	)

	req, err := llm.ParseRequest(data)
	if err != nil {
		return a.routeFailed(2, engine.Reject(ctx, nil, err))
	}
	table, err := routing.LoadFile(a.cfg.RouteConfigPath)
	if err != nil {
		return a.routeFailed(1, engine.Reject(ctx, req, err))
	}

	res, err := engine.Route(ctx, table, req)
	if err != nil {
		return a.routeFailed(1, err)
	}
	_, _ = a.stdout.Write(routing.OKReply(res).MarshalLine())
	return nil
}

func (a *app) routeFailed(code int, err error) error {
	_, _ = a.stdout.Write(routing.ErrorReply(err).MarshalLine())
	return exitWith(code, err)
}
