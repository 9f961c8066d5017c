package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"homie/internal/daemon"
)

func upCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "up",
		Short:       "Advertise this machine and accept jobs",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"daemon": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := daemon.New(a.cfg)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
}
