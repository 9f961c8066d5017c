// Package discovery maintains the table of live peers on the LAN.
//
// Every node broadcasts a signed heartbeat each interval. The registry
// listens for heartbeats from others, refreshes their records and evicts
// those not heard from within the peer timeout.
package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"homie/internal/clock"
	"homie/internal/logging"
	"homie/pkg/model"
)

var (
	ErrStarted = errors.New("registry already started")
)

// Observer 在节点加入或离开时被回调 (在 listener / reaper 协程中同步调用，不要阻塞)
type Observer interface {
	PeerJoined(p model.PeerRecord)
	PeerLeft(p model.PeerRecord)
}

type Options struct {
	Name       string
	Secret     string
	Port       int // UDP discovery port
	WorkerPort int // advertised TCP worker port

	// BroadcastAddress empty disables broadcast; DirectPeers still receive heartbeats.
	BroadcastAddress string
	DirectPeers      []string
	AdvertiseIP      string

	Interval    time.Duration
	PeerTimeout time.Duration

	// ListenOnly 只接收不广播 (CLI 发现用)
	ListenOnly bool

	Clock clock.Clock
	Stats StatsFunc
}

type Registry struct {
	opts  Options
	clock clock.Clock
	log   *zap.SugaredLogger

	mu        sync.RWMutex
	peers     map[string]model.PeerRecord
	status    model.PeerStatus
	observers []Observer

	kick chan struct{}

	runMu   sync.Mutex
	started bool
	conn    *net.UDPConn
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Stats == nil {
		opts.Stats = LocalStats
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 10 * time.Second
	}
	return &Registry{
		opts:   opts,
		clock:  opts.Clock,
		log:    logging.Logger("discovery"),
		peers:  make(map[string]model.PeerRecord),
		status: model.PeerIdle,
		kick:   make(chan struct{}, 1),
	}
}

// AddObserver registers o for join/leave callbacks.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Start binds the discovery socket and launches the background loops.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return ErrStarted
	}

	conn, err := listenUDP(ctx, r.opts.Port)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.listen(gctx, conn) })
	g.Go(func() error { r.reap(gctx); return nil })
	if !r.opts.ListenOnly {
		g.Go(func() error { r.broadcast(gctx, conn); return nil })
	}
	// 关闭 socket 以唤醒阻塞中的 ReadFromUDP
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	r.conn, r.cancel, r.group, r.started = conn, cancel, g, true
	r.log.Infow("discovery started", "name", r.opts.Name, "port", r.opts.Port, "listen_only", r.opts.ListenOnly)
	return nil
}

// Stop cancels every loop and returns once they have exited and the socket is closed.
func (r *Registry) Stop() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.started {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	r.started = false
	r.conn, r.cancel, r.group = nil, nil, nil
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	r.log.Infow("discovery stopped", "name", r.opts.Name)
	return err
}

// SetStatus changes the advertised status; a heartbeat goes out right away.
func (r *Registry) SetStatus(s model.PeerStatus) {
	r.mu.Lock()
	changed := r.status != s
	r.status = s
	r.mu.Unlock()
	if changed {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) Status() model.PeerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Peers returns the live peers sorted by name.
func (r *Registry) Peers() []model.PeerRecord {
	now := r.clock.Now()
	r.mu.RLock()
	out := make([]model.PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		if r.fresh(p, now) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Peer(name string) (model.PeerRecord, bool) {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[name]
	if !ok || !r.fresh(p, now) {
		return model.PeerRecord{}, false
	}
	return p, true
}

// SelectBest filters idle peers by pred and returns the highest scoring one.
// Equal scores go to the lexically smaller name.
func (r *Registry) SelectBest(pred Predicate, score Scorer) (model.PeerRecord, bool) {
	return scorePeers(filterPeers(r.Peers(), pred), score)
}

func (r *Registry) fresh(p model.PeerRecord, now time.Time) bool {
	return now.Sub(p.LastSeen) <= r.opts.PeerTimeout
}

// apply 写入或刷新一条记录；LastSeen 使用本地时钟
func (r *Registry) apply(hb *model.Heartbeat) {
	rec := hb.Record(r.clock.Now())

	r.mu.Lock()
	_, known := r.peers[rec.Name]
	r.peers[rec.Name] = rec
	observers := r.observers
	r.mu.Unlock()

	if !known {
		r.log.Infow("peer joined", "peer", rec.Name, "addr", rec.Addr(), "gpu", rec.Caps.GPUName)
		for _, o := range observers {
			o.PeerJoined(rec)
		}
	}
}

// sweep evicts peers whose last heartbeat is older than the timeout.
func (r *Registry) sweep() {
	now := r.clock.Now()
	var gone []model.PeerRecord

	r.mu.Lock()
	for name, p := range r.peers {
		if !r.fresh(p, now) {
			delete(r.peers, name)
			gone = append(gone, p)
		}
	}
	observers := r.observers
	r.mu.Unlock()

	for _, p := range gone {
		r.log.Infow("peer left", "peer", p.Name, "last_seen", p.LastSeen)
		for _, o := range observers {
			o.PeerLeft(p)
		}
	}
}

func (r *Registry) listen(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.handleDatagram(buf[:n], src)
	}
}

// handleDatagram 校验失败的数据报直接丢弃，不回应
func (r *Registry) handleDatagram(b []byte, src *net.UDPAddr) {
	hb, err := DecodeHeartbeat(b)
	if err != nil {
		r.log.Debugw("dropped datagram", "from", src, "err", err)
		return
	}
	if hb.Name == r.opts.Name {
		return
	}
	if err := VerifyHeartbeat(hb, r.opts.Secret, r.clock.Now()); err != nil {
		r.log.Debugw("dropped heartbeat", "from", src, "peer", hb.Name, "err", err)
		return
	}
	if hb.IP == "" && src != nil {
		hb.IP = src.IP.String()
	}
	r.apply(hb)
}

func (r *Registry) reap(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) broadcast(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	ip := r.opts.AdvertiseIP
	if ip == "" {
		ip = LocalIP()
	}
	r.sendHeartbeat(conn, ip)
	for {
		select {
		case <-ticker.C:
		case <-r.kick:
		case <-ctx.Done():
			return
		}
		r.sendHeartbeat(conn, ip)
	}
}

// heartbeat builds and signs the local node's heartbeat.
func (r *Registry) heartbeat(ip string) *model.Heartbeat {
	hb := &model.Heartbeat{
		Name:      r.opts.Name,
		IP:        ip,
		Port:      r.opts.WorkerPort,
		Caps:      r.opts.Stats(),
		Status:    r.Status(),
		Timestamp: r.clock.Now().UnixMilli(),
	}
	SignHeartbeat(hb, r.opts.Secret)
	return hb
}

func (r *Registry) sendHeartbeat(conn *net.UDPConn, ip string) {
	msg, err := EncodeHeartbeat(r.heartbeat(ip))
	if err != nil {
		r.log.Errorw("encode heartbeat", "err", err)
		return
	}
	targets := make([]string, 0, 1+len(r.opts.DirectPeers))
	if r.opts.BroadcastAddress != "" {
		targets = append(targets, r.opts.BroadcastAddress)
	}
	targets = append(targets, r.opts.DirectPeers...)

	for _, t := range targets {
		addr, err := resolveTarget(t, r.opts.Port)
		if err != nil {
			r.log.Warnw("bad heartbeat target", "target", t, "err", err)
			continue
		}
		if _, err := conn.WriteToUDP(msg, addr); err != nil {
			// 网络抖动或广播被禁止时不致命，下一轮重试
			r.log.Debugw("send heartbeat", "target", addr, "err", err)
		}
	}
}
