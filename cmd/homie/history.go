package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"homie/internal/ui"
	"homie/pkg/store"
)

func historyCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show jobs this machine sent or ran",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := store.OpenSQLite(a.cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer h.Close()

			recs, err := h.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(ui.Muted("No jobs yet."))
				return nil
			}
			fmt.Println(ui.HistoryTable(recs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show at most this many jobs (0 = all)")
	return cmd
}
