// Command worker runs a homie node without the CLI, for service managers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"homie/internal/config"
	"homie/internal/daemon"
	"homie/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.homie/config.yaml)")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.Logger("worker")

	// 2. 初始化节点
	d, err := daemon.New(cfg)
	if err != nil {
		log.Errorw("init node", "err", err)
		logging.Sync()
		os.Exit(1)
	}

	// 3. 优雅退出
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		log.Errorw("node stopped", "err", err)
		logging.Sync()
		os.Exit(1)
	}
	log.Infow("Shutting down worker...")
}
