package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/loadctl/internal/config"
	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("loadctl failed")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		cancel()
		os.Exit(1)
	}
}

// handleSignals cancels the run on SIGINT or SIGTERM; the cycle controller
// then switches the load off before exiting
func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal, stopping run")
	cancel()
}

// app carries the loaded configuration from the root command to its subcommands
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "loadctl",
		Short:         "Battery discharge testing with a Rigol DL3000 electronic load",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			level, err := logger.ParseLevel(cfg.LogLevel.String())
			if err != nil {
				return err
			}
			logger.Init(level, logger.IsService())
			logger.Debug().Str("params", cfg.String()).Msg("Config loaded")

			a.cfg = cfg
			return nil
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newProbeCmd(a),
		newRunCmd(a, dischargeMode),
		newRunCmd(a, pulseMode),
		newRunsCmd(a),
	)

	return root
}

func newRunCmd(a *app, m mode) *cobra.Command {
	return &cobra.Command{
		Use:   m.name,
		Short: m.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := newSession(a.cfg, m, logger.Default())
			_, err := s.run(cmd.Context())
			return err
		},
	}
}
