package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/llm"
	"github.com/synqualis/synq/pkg/quality"
)

func newGateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gate",
		Short: "Validate a response on stdin against the schema and quality thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.track(cmd.Context(), "gate", func(ctx context.Context) error {
				return a.runQuality(func(g *quality.Gate, data []byte) error {
					_, err := g.ValidateRaw(ctx, data)
					return err
				})
			})
		},
	}
}

func newProofCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "proof",
		Short: "Check only the structure of a response on stdin against the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.track(cmd.Context(), "proof", func(ctx context.Context) error {
				return a.runQuality(func(g *quality.Gate, data []byte) error {
					return g.ProofRaw(ctx, data)
				})
			})
		},
	}
}

func (a *app) runQuality(check func(*quality.Gate, []byte) error) error {
	data, err := a.readInput()
	if err != nil {
		return err
	}
	schema, err := quality.LoadSchema(a.cfg.SchemaPath)
	if err != nil {
		return exitWith(1, err)
	}
	gate := quality.New(schema, a.events,
		quality.WithMissingMetrics(a.cfg.MissingMetrics),
		quality.WithLogger(a.component("quality")),
	)
	if err := check(gate, data); err != nil {
		var malformed *llm.MalformedError
		if errors.As(err, &malformed) {
			return exitWith(2, err)
		}
		return exitWith(1, err)
	}
	a.ok()
	return nil
}
