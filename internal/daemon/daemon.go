// Package daemon wires discovery, the worker and the optional stores into
// one long-running node. Both `homie up` and cmd/worker run it.
package daemon

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"homie/internal/clock"
	"homie/internal/config"
	"homie/internal/discovery"
	"homie/internal/logging"
	"homie/internal/worker"
	"homie/internal/worker/sandbox"
	"homie/pkg/model"
	"homie/pkg/store"
)

const pingTimeout = 5 * time.Second

type Daemon struct {
	cfg *config.Config
	log *zap.SugaredLogger

	registry *discovery.Registry
	agent    *worker.Agent
	box      sandbox.Sandbox

	history store.History
	mirror  *store.EtcdManager
	ntp     *clock.NTPChecker
}

// New builds every component from cfg. Nothing touches the network until Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	memory, err := cfg.MemoryBytes()
	if err != nil {
		return nil, err
	}
	maxFrame, err := cfg.MaxFrame()
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: logging.Logger("daemon")}

	// 1. 沙箱
	d.box, err = NewSandbox(cfg)
	if err != nil {
		return nil, err
	}

	// 2. 历史记录 (失败不致命)
	if cfg.HistoryPath != "" {
		h, err := store.OpenSQLite(cfg.HistoryPath)
		if err != nil {
			d.log.Warnw("job history disabled", "path", cfg.HistoryPath, "err", err)
		} else {
			d.history = h
		}
	}

	// 3. 节点发现
	d.registry = discovery.New(discovery.Options{
		Name:             cfg.Name,
		Secret:           cfg.GroupSecret,
		Port:             cfg.DiscoveryPort,
		WorkerPort:       cfg.WorkerPort,
		BroadcastAddress: cfg.BroadcastAddress,
		DirectPeers:      cfg.DirectPeers,
		Interval:         cfg.HeartbeatInterval,
		PeerTimeout:      cfg.PeerTimeout,
	})
	d.registry.AddObserver(d)

	// 4. Worker，忙闲状态直接推给 registry
	d.agent = worker.NewAgent(worker.Options{
		Name:    cfg.Name,
		Secret:  cfg.GroupSecret,
		Cap:     cfg.ConcurrencyCap,
		Sandbox: d.box,
		Image:   cfg.Image,
		Limits: sandbox.Limits{
			CPUs:        cfg.CPULimit,
			MemoryBytes: memory,
			PidsLimit:   cfg.PidsLimit,
			Timeout:     cfg.ExecutionTimeout,
		},
		ResultGlobs: cfg.ResultGlobs,
		MaxFrame:    maxFrame,
		History:     d.history,
		OnStatus:    d.registry.SetStatus,
	})

	if cfg.NTPServer != "" {
		d.ntp = clock.NewNTPChecker(cfg.NTPServer)
	}
	return d, nil
}

// NewSandbox returns the sandbox selected by cfg.Sandbox.
func NewSandbox(cfg *config.Config) (sandbox.Sandbox, error) {
	switch cfg.Sandbox {
	case config.SandboxProcess:
		return sandbox.NewLocal(), nil
	case config.SandboxDocker:
		d, err := sandbox.NewDocker()
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown sandbox %q", cfg.Sandbox)
	}
}

// Run serves until ctx is cancelled, then tears everything down.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() { err = multierr.Append(err, d.close()) }()

	if p, ok := d.box.(interface{ Ping(context.Context) error }); ok {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		if perr := p.Ping(pctx); perr != nil {
			// 继续运行：每个任务会收到 SandboxUnavailable
			d.log.Warnw("container engine unreachable", "sandbox", d.box.Name(), "err", perr)
		}
		cancel()
	}

	if len(d.cfg.EtcdEndpoints) > 0 {
		m, merr := store.NewEtcdManager(d.cfg.EtcdEndpoints, d.cfg.PeerTimeout)
		if merr != nil {
			d.log.Warnw("etcd mirror disabled", "endpoints", d.cfg.EtcdEndpoints, "err", merr)
		} else {
			d.mirror = m
			d.registry.AddObserver(m)
		}
	}

	// 先启动发现：worker 端口绑定失败时 Stop 会释放 UDP socket
	if err := d.registry.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer func() { err = multierr.Append(err, d.registry.Stop()) }()
	if err := d.agent.Listen(net.JoinHostPort("", strconv.Itoa(d.cfg.WorkerPort))); err != nil {
		return err
	}

	if d.ntp != nil {
		go d.ntp.Run(ctx)
	}

	d.log.Infow("node up", "name", d.cfg.Name, "worker_port", d.cfg.WorkerPort,
		"discovery_port", d.cfg.DiscoveryPort, "sandbox", d.box.Name())
	err = d.agent.Run(ctx)
	d.log.Infow("node shutting down")
	return err
}

// PeerJoined / PeerLeft 实现 discovery.Observer
func (d *Daemon) PeerJoined(p model.PeerRecord) {
	d.log.Infow("peer joined", "peer", p.Name, "addr", p.Addr(), "gpu", p.Caps.GPUName)
}

func (d *Daemon) PeerLeft(p model.PeerRecord) {
	d.log.Infow("peer left", "peer", p.Name)
}

func (d *Daemon) close() error {
	var err error
	if d.mirror != nil {
		err = multierr.Append(err, d.mirror.Close())
	}
	if d.history != nil {
		err = multierr.Append(err, d.history.Close())
	}
	if c, ok := d.box.(interface{ Close() error }); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
