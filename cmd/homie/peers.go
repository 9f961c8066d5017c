package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"homie/internal/ui"
	"homie/pkg/model"
	"homie/pkg/store"
)

func peersCmd(a *app) *cobra.Command {
	var (
		wait     int
		fromEtcd bool
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers seen on the LAN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				peers []model.PeerRecord
				err   error
			)
			if fromEtcd {
				peers, err = a.mirroredPeers(cmd.Context())
			} else {
				peers, err = a.lanPeers(cmd.Context(), time.Duration(wait)*time.Second)
			}
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println(ui.WarnMsg("No peers found."))
				return nil
			}
			fmt.Println(ui.PeerTable(peers, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVar(&wait, "wait", 3, "Seconds to listen for heartbeats")
	cmd.Flags().BoolVar(&fromEtcd, "etcd", false, "Read the peer mirror from etcd instead of listening")
	return cmd
}

func (a *app) lanPeers(ctx context.Context, wait time.Duration) ([]model.PeerRecord, error) {
	reg, err := a.discover(ctx, wait)
	if err != nil {
		return nil, err
	}
	defer reg.Stop()
	return reg.Peers(), nil
}

func (a *app) mirroredPeers(ctx context.Context) ([]model.PeerRecord, error) {
	if len(a.cfg.EtcdEndpoints) == 0 {
		return nil, errors.New("etcd_endpoints is not configured")
	}
	m, err := store.NewEtcdManager(a.cfg.EtcdEndpoints, a.cfg.PeerTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	defer m.Close()
	return m.ListPeers(ctx)
}
