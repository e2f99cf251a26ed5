package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/audit"
)

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Reconcile the stage logs and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.track(cmd.Context(), "audit", a.runAudit)
		},
	}
}

func (a *app) runAudit(ctx context.Context) error {
	v := audit.NewVerifier(a.events,
		audit.WithWBS(a.cfg.WBSPath),
		audit.WithLogger(a.component("audit")),
	)
	res, err := v.Audit(ctx)
	if err != nil {
		return exitWith(1, err)
	}
	if !res.OK() {
		_, _ = fmt.Fprintln(a.stderr, res.Summary())
		return exitWith(1, nil)
	}
	_, _ = fmt.Fprintln(a.stdout, res.Summary())
	return nil
}
