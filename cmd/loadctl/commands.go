package main

import (
	"fmt"
	"text/tabwriter"

	"codeberg.org/mutker/loadctl/internal/instrument"
	"codeberg.org/mutker/loadctl/internal/load"
	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/metrics"
	"github.com/spf13/cobra"
)

const defaultRunsLimit = 20

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "List discoverable instruments and print the identity of the selected one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			found, err := instrument.Discover(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Instrument discovery failed")
			}
			fmt.Fprintln(out, "Resources:")
			for _, r := range found {
				fmt.Fprintf(out, "  %s\n", r)
			}

			ch, err := instrument.Connect(ctx, a.cfg.Address, a.cfg.Instrument())
			if err != nil {
				return err
			}
			ld := load.New(ch)
			defer ld.Close()

			identity, err := ld.Identify(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Connected to: %s\n", identity)

			return nil
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs stored in the run archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mc := a.cfg.MetricsConfig()
			mc.Enabled = true

			archive, err := metrics.NewService(mc, logger.Default())
			if err != nil {
				return err
			}
			defer archive.Close()

			runs, err := archive.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSTARTED\tSTATUS\tCYCLES\tSAMPLES\tOCV")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Mode, r.StartedAt.Format("2006-01-02 15:04:05"),
					r.Status, r.Cycles, r.Samples, formatVoltage(r.OCV))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultRunsLimit, "Number of runs to list, newest first")

	return cmd
}
