package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wiremesh"
	"wiremesh/internal/daemon"
	"wiremesh/internal/telemetry"

	"github.com/spf13/cobra"
)

func runCmd(g *globals) *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control plane daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if domain != "" {
				g.cfg.Domain = domain
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := slog.Default()
			provider := telemetry.NewProvider(log)
			provider.Install()
			defer provider.Close()

			d, err := daemon.Open(ctx, g.cfg, log, daemon.Options{Tracer: provider.Tracer(telemetry.TracerName)})
			if errors.Is(err, wiremesh.ErrLeaseConflict) {
				return fmt.Errorf("another wiremeshd owns %s: %w", g.cfg.DBPath(), err)
			}
			if err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			defer func() {
				if err := d.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warn("close daemon failed", "err", err)
				}
			}()

			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Override the server's own domain")
	return cmd
}
