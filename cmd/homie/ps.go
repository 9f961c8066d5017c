package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"homie/internal/client"
	"homie/internal/ui"
	"homie/pkg/model"
)

func (a *app) controlClient(peers client.PeerSource) *client.Client {
	return client.New(client.Options{
		Name:        a.cfg.Name,
		Secret:      a.cfg.GroupSecret,
		Peers:       peers,
		ReadTimeout: 10 * time.Second,
	})
}

func psCmd(a *app) *cobra.Command {
	var (
		peer string
		wait int
	)
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List jobs running on peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := a.discover(ctx, time.Duration(wait)*time.Second)
			if err != nil {
				return err
			}
			defer reg.Stop()

			targets := reg.Peers()
			if peer != "" {
				p, ok := reg.Peer(peer)
				if !ok {
					return fmt.Errorf("%w: %s", client.ErrPeerNotFound, peer)
				}
				targets = []model.PeerRecord{p}
			}
			c := a.controlClient(reg)

			found := 0
			for _, p := range targets {
				running, err := c.ListJobs(ctx, p)
				if err != nil {
					fmt.Println(ui.WarnMsg("%s: %v", p.Name, err))
					continue
				}
				if len(running) == 0 {
					continue
				}
				found += len(running)
				fmt.Println(ui.RunningTable(p.Name, running, time.Now()))
			}
			if found == 0 {
				fmt.Println(ui.Muted("No running jobs."))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Only ask this peer")
	cmd.Flags().IntVar(&wait, "wait", 3, "Seconds to listen for heartbeats")
	return cmd
}

func killCmd(a *app) *cobra.Command {
	var (
		peer string
		wait int
	)
	cmd := &cobra.Command{
		Use:   "kill JOB_ID",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			reg, err := a.discover(ctx, time.Duration(wait)*time.Second)
			if err != nil {
				return err
			}
			defer reg.Stop()

			targets := reg.Peers()
			if peer != "" {
				p, ok := reg.Peer(peer)
				if !ok {
					return fmt.Errorf("%w: %s", client.ErrPeerNotFound, peer)
				}
				targets = []model.PeerRecord{p}
			}
			c := a.controlClient(reg)

			// 任务 ID 全局唯一，第一个确认的节点即可
			for _, p := range targets {
				ok, err := c.KillJob(ctx, p, id)
				if err != nil {
					fmt.Println(ui.WarnMsg("%s: %v", p.Name, err))
					continue
				}
				if ok {
					fmt.Println(ui.SuccessMsg("Killed %s on %s.", id, ui.Accent(p.Name)))
					return nil
				}
			}
			return fmt.Errorf("job %s is not running on any reachable peer", id)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Only ask this peer")
	cmd.Flags().IntVar(&wait, "wait", 3, "Seconds to listen for heartbeats")
	return cmd
}
