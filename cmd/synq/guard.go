package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/layerguard"
)

func newGuardCmd(a *app) *cobra.Command {
	var layer string
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Claim the active layer, failing if another layer holds a fresh lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if layer == "" {
				layer = a.cfg.Layer
			}
			return a.track(cmd.Context(), "guard", func(ctx context.Context) error {
				return a.runGuard(ctx, layer)
			})
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "layer to claim (default $Z_LAYER)")
	return cmd
}

func (a *app) runGuard(ctx context.Context, layer string) error {
	store, err := layerguard.OpenStore(ctx, a.cfg)
	if err != nil {
		return exitWith(1, err)
	}
	defer func() { _ = store.Close() }()

	guard := layerguard.New(store, a.events,
		layerguard.WithStaleAfter(a.cfg.LayerStaleAfter),
		layerguard.WithLogger(a.component("layerguard")),
	)
	ack, err := guard.CheckAndClaim(ctx, layer)
	if err != nil {
		return exitWith(1, err)
	}
	if ack.Superseded {
		a.logger.WarnContext(ctx, "superseded stale layer lock", "previous", ack.Previous.Layer, "layer", ack.Layer)
	}
	a.ok()
	return nil
}
