package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"homie/internal/config"
	"homie/internal/discovery"
	"homie/internal/logging"
	"homie/pkg/store"
)

// exitCode carries a remote job's exit status out of RunE.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// app 是所有子命令共享的状态，在 PersistentPreRunE 中填充
type app struct {
	configPath string
	debug      bool
	cfg        *config.Config
}

func main() {
	a := &app{}
	root := newRoot(a)

	err := root.Execute()
	logging.Sync()
	if err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "homie",
		Short:         "Run scripts on idle machines in your LAN",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			// 前台命令默认只输出 warn 以上，daemon 按配置
			opts := logging.Options{Level: logging.LevelWarn}
			if cmd.Annotations["daemon"] != "" {
				opts = logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}
			}
			if a.debug {
				opts.Level = logging.LevelDebug
			}
			return logging.Setup(opts)
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default ~/.homie/config.yaml)")

	root.AddCommand(upCmd(a))
	root.AddCommand(peersCmd(a))
	root.AddCommand(runCmd(a))
	root.AddCommand(psCmd(a))
	root.AddCommand(killCmd(a))
	root.AddCommand(historyCmd(a))
	root.AddCommand(initCmd(a))
	root.AddCommand(configCmd(a))
	return root
}

// discover 以只监听模式收集心跳 wait 时长；调用方负责 Stop
func (a *app) discover(ctx context.Context, wait time.Duration) (*discovery.Registry, error) {
	reg := discovery.New(discovery.Options{
		Name:        a.cfg.Name,
		Secret:      a.cfg.GroupSecret,
		Port:        a.cfg.DiscoveryPort,
		WorkerPort:  a.cfg.WorkerPort,
		Interval:    a.cfg.HeartbeatInterval,
		PeerTimeout: a.cfg.PeerTimeout,
		ListenOnly:  true,
	})
	if err := reg.Start(ctx); err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		_ = reg.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	return reg, nil
}

// openHistory 打不开时返回 nil，历史记录是可选的
func (a *app) openHistory() store.History {
	if a.cfg.HistoryPath == "" {
		return nil
	}
	h, err := store.OpenSQLite(a.cfg.HistoryPath)
	if err != nil {
		logging.Logger("cmd").Warnw("job history unavailable", "path", a.cfg.HistoryPath, "err", err)
		return nil
	}
	return h
}
