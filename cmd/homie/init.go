package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"homie/internal/config"
	"homie/internal/ui"
)

func initCmd(a *app) *cobra.Command {
	var (
		name    string
		secret  string
		sandbox string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the config file",
		Long:  "Write ~/.homie/config.yaml. Every machine in a group must share the same secret.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if name != "" {
				cfg.Name = name
			}
			if secret != "" {
				cfg.GroupSecret = secret
			}
			if sandbox != "" {
				cfg.Sandbox = sandbox
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			path := a.configPath
			if path == "" {
				path = config.Path()
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Config written to %s", path))
			fmt.Println(ui.KeyValues("  ",
				ui.KV{Key: "name", Value: cfg.Name},
				ui.KV{Key: "group secret", Value: cfg.GroupSecret},
			))
			fmt.Println(ui.Muted("Run `homie init --secret <secret>` with the same secret on your other machines."))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name this machine advertises")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared group secret (generated when absent)")
	cmd.Flags().StringVar(&sandbox, "sandbox", "", "Sandbox: docker or process")
	return cmd
}

func configCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.cfg
			path := a.configPath
			if path == "" {
				path = config.Path()
			}
			fmt.Println(ui.Accent(path))
			fmt.Println(ui.KeyValues("  ",
				ui.KV{Key: "name", Value: c.Name},
				ui.KV{Key: "group secret", Value: mask(c.GroupSecret)},
				ui.KV{Key: "discovery port", Value: strconv.Itoa(c.DiscoveryPort)},
				ui.KV{Key: "worker port", Value: strconv.Itoa(c.WorkerPort)},
				ui.KV{Key: "broadcast", Value: c.BroadcastAddress},
				ui.KV{Key: "direct peers", Value: strings.Join(c.DirectPeers, ", ")},
				ui.KV{Key: "sandbox", Value: c.Sandbox},
				ui.KV{Key: "image", Value: c.Image},
				ui.KV{Key: "limits", Value: fmt.Sprintf("%.1f cpu, %s mem, %d pids", c.CPULimit, c.MemoryLimit, c.PidsLimit)},
				ui.KV{Key: "execution timeout", Value: c.ExecutionTimeout.String()},
				ui.KV{Key: "heartbeat", Value: fmt.Sprintf("every %s, peer timeout %s", c.HeartbeatInterval, c.PeerTimeout)},
				ui.KV{Key: "concurrency", Value: strconv.Itoa(c.ConcurrencyCap)},
				ui.KV{Key: "max frame", Value: c.MaxFrameBytes},
				ui.KV{Key: "history", Value: c.HistoryPath},
				ui.KV{Key: "etcd", Value: strings.Join(c.EtcdEndpoints, ", ")},
				ui.KV{Key: "ntp", Value: c.NTPServer},
			))
			return nil
		},
	}
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}
