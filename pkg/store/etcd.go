package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"homie/internal/logging"
	"homie/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const PeerKeyPrefix = "/homie/peers/"

const (
	etcdOpTimeout = 5 * time.Second
	// mirrorQueueSize 超出后丢弃镜像写入，不阻塞发现协程
	mirrorQueueSize = 64
)

// EtcdManager 把节点表镜像到 etcd。
// 所有 key 都挂在同一个 lease 上：daemon 退出后 TTL 到期，镜像自动清空。
type EtcdManager struct {
	client *clientv3.Client
	lease  clientv3.LeaseID
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.SugaredLogger

	// observer 回调只入队，由 drain 协程顺序写入 etcd
	mu     sync.Mutex
	closed bool
	ops    chan mirrorOp
	done   chan struct{}
	write  func(ctx context.Context, op mirrorOp) error
}

type mirrorOp struct {
	peer  model.PeerRecord
	leave bool
}

var _ PeerMirror = (*EtcdManager)(nil)

// NewEtcdManager 初始化 Etcd 连接并申请 lease
func NewEtcdManager(endpoints []string, ttl time.Duration) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()
	grant, err := cli.Grant(ctx, max(int64(ttl/time.Second), 1))
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("grant lease: %w", err)
	}

	keepCtx, stop := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		stop()
		_ = cli.Close()
		return nil, fmt.Errorf("keep lease alive: %w", err)
	}

	e := &EtcdManager{client: cli, lease: grant.ID, ctx: keepCtx, cancel: stop, log: logging.Logger("etcd")}
	e.write = e.writeOp
	e.startQueue()
	go func() {
		// 必须消费 keepalive 响应，否则 channel 写满
		for range keepAlive {
		}
		if keepCtx.Err() == nil {
			e.log.Warnw("etcd lease keepalive stopped", "lease", grant.ID)
		}
	}()
	return e, nil
}

func (e *EtcdManager) PutPeer(ctx context.Context, p model.PeerRecord) error {
	return e.putValue(ctx, peerKey(p.Name), p, clientv3.WithLease(e.lease))
}

func (e *EtcdManager) DeletePeer(ctx context.Context, name string) error {
	_, err := e.client.Delete(ctx, peerKey(name))
	return err
}

func (e *EtcdManager) ListPeers(ctx context.Context) ([]model.PeerRecord, error) {
	// 获取 /homie/peers/ 下的所有 Key
	resp, err := e.client.Get(ctx, PeerKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return e.decodePeers(values), nil
}

// PeerJoined / PeerLeft 实现 discovery.Observer，不会阻塞调用方
func (e *EtcdManager) PeerJoined(p model.PeerRecord) {
	e.enqueue(mirrorOp{peer: p})
}

func (e *EtcdManager) PeerLeft(p model.PeerRecord) {
	e.enqueue(mirrorOp{peer: p, leave: true})
}

func (e *EtcdManager) startQueue() {
	e.ops = make(chan mirrorOp, mirrorQueueSize)
	e.done = make(chan struct{})
	go e.drain()
}

func (e *EtcdManager) enqueue(op mirrorOp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ops <- op:
	default:
		e.log.Warnw("mirror queue full, dropping update", "peer", op.peer.Name, "leave", op.leave)
	}
}

func (e *EtcdManager) drain() {
	defer close(e.done)
	for op := range e.ops {
		ctx, cancel := context.WithTimeout(e.ctx, etcdOpTimeout)
		if err := e.write(ctx, op); err != nil {
			e.log.Warnw("mirror peer", "peer", op.peer.Name, "leave", op.leave, "err", err)
		}
		cancel()
	}
}

func (e *EtcdManager) writeOp(ctx context.Context, op mirrorOp) error {
	if op.leave {
		return e.DeletePeer(ctx, op.peer.Name)
	}
	return e.PutPeer(ctx, op.peer)
}

// stopQueue 取消在途写入并等待 drain 退出
func (e *EtcdManager) stopQueue() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ops)
	e.mu.Unlock()
	e.cancel()
	<-e.done
}

// Close revokes the lease, which removes every mirrored peer.
func (e *EtcdManager) Close() error {
	e.stopQueue()
	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()
	if _, err := e.client.Revoke(ctx, e.lease); err != nil {
		e.log.Warnw("revoke lease", "err", err)
	}
	return e.client.Close()
}

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes), opts...)
	return err
}

func (e *EtcdManager) decodePeers(values [][]byte) []model.PeerRecord {
	peers := make([]model.PeerRecord, 0, len(values))
	for _, v := range values {
		var p model.PeerRecord
		if err := json.Unmarshal(v, &p); err != nil {
			e.log.Warnw("unmarshal peer", "err", err)
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}

func peerKey(name string) string {
	return PeerKeyPrefix + name
}
