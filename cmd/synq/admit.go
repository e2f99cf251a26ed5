package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/admission"
	"github.com/synqualis/synq/pkg/firewall"
	"github.com/synqualis/synq/pkg/routing"
)

func newAdmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "admit",
		Short: "Check a request envelope on stdin against egress posture, credentials and token budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.track(cmd.Context(), "admit", a.runAdmit)
		},
	}
}

func (a *app) runAdmit(ctx context.Context) error {
	data, err := a.readInput()
	if err != nil {
		return err
	}

	// An unreadable route table leaves the policy nil, which admission treats
	// as deny_cloud not enabled.
	var policy *firewall.Policy
	if table, err := routing.LoadFile(a.cfg.RouteConfigPath); err != nil {
		a.logger.WarnContext(ctx, "route config unavailable", "error", err)
	} else {
		policy = &table.Security
	}

	gate := admission.New(a.events, admission.WithLogger(a.component("admission")))
	if _, err := gate.AdmitRaw(ctx, a.env, policy, data); err != nil {
		return exitWith(1, err)
	}
	a.ok()
	return nil
}
