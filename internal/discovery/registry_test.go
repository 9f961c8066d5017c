package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"homie/internal/clock"
	"homie/pkg/model"
)

const testSecret = "s3cret"

type recorder struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (r *recorder) PeerJoined(p model.PeerRecord) {
	r.mu.Lock()
	r.joined = append(r.joined, p.Name)
	r.mu.Unlock()
}

func (r *recorder) PeerLeft(p model.PeerRecord) {
	r.mu.Lock()
	r.left = append(r.left, p.Name)
	r.mu.Unlock()
}

func newTestRegistry(clk clock.Clock) *Registry {
	return New(Options{
		Name:        "self",
		Secret:      testSecret,
		Interval:    time.Second,
		PeerTimeout: 10 * time.Second,
		Clock:       clk,
		Stats:       func() model.Resource { return model.Resource{} },
	})
}

func heartbeat(name string, status model.PeerStatus, caps model.Resource, ts time.Time) *model.Heartbeat {
	hb := &model.Heartbeat{
		Name:      name,
		IP:        "10.0.0.1",
		Port:      5556,
		Caps:      caps,
		Status:    status,
		Timestamp: ts.UnixMilli(),
	}
	SignHeartbeat(hb, testSecret)
	return hb
}

func TestSelectBest(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)

	r.apply(heartbeat("A", model.PeerIdle, model.Resource{CPUIdlePercent: 80, RAMFreeGB: 4}, clk.Now()))
	r.apply(heartbeat("B", model.PeerBusy, model.Resource{CPUIdlePercent: 99, RAMFreeGB: 64}, clk.Now()))
	r.apply(heartbeat("C", model.PeerIdle, model.Resource{CPUIdlePercent: 50, RAMFreeGB: 16}, clk.Now()))

	best, ok := r.SelectBest(Any, ByCPUIdle)
	assert.Assert(t, ok)
	assert.Equal(t, best.Name, "A")

	best, ok = r.SelectBest(Any, ByFreeRAM)
	assert.Assert(t, ok)
	assert.Equal(t, best.Name, "C")

	_, ok = r.SelectBest(NeedsGPU, ByCPUIdle)
	assert.Assert(t, !ok)

	// C catches up with A on CPU idle: the smaller name wins
	r.apply(heartbeat("C", model.PeerIdle, model.Resource{CPUIdlePercent: 80, RAMFreeGB: 16}, clk.Now()))
	best, ok = r.SelectBest(Any, ByCPUIdle)
	assert.Assert(t, ok)
	assert.Equal(t, best.Name, "A")
}

func TestSelectBestGPU(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)
	r.apply(heartbeat("cpu-box", model.PeerIdle, model.Resource{CPUIdlePercent: 99, RAMFreeGB: 64}, clk.Now()))
	r.apply(heartbeat("gpu-box", model.PeerIdle, model.Resource{CPUIdlePercent: 10, RAMFreeGB: 8, GPUName: "RTX 4090", GPUFreeGB: 20}, clk.Now()))

	best, ok := r.SelectBest(NeedsGPU, ByBalanced)
	assert.Assert(t, ok)
	assert.Equal(t, best.Name, "gpu-box")

	best, ok = r.SelectBest(Covers(model.Resource{RAMFreeGB: 32}), nil)
	assert.Assert(t, ok)
	assert.Equal(t, best.Name, "cpu-box")
}

func TestReaperBounds(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)
	rec := &recorder{}
	r.AddObserver(rec)

	r.apply(heartbeat("A", model.PeerIdle, model.Resource{}, clk.Now()))
	assert.DeepEqual(t, rec.joined, []string{"A"})

	// 恰好到达超时仍然存活
	clk.Advance(10 * time.Second)
	r.sweep()
	_, ok := r.Peer("A")
	assert.Assert(t, ok)
	assert.Equal(t, len(r.Peers()), 1)

	// getters hide the peer before the sweep runs
	clk.Advance(time.Millisecond)
	_, ok = r.Peer("A")
	assert.Assert(t, !ok)
	assert.Equal(t, len(r.Peers()), 0)
	assert.Equal(t, len(rec.left), 0)

	r.sweep()
	assert.DeepEqual(t, rec.left, []string{"A"})
	r.mu.RLock()
	assert.Equal(t, len(r.peers), 0)
	r.mu.RUnlock()
}

func TestRefreshKeepsPeerAlive(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)
	rec := &recorder{}
	r.AddObserver(rec)

	for i := 0; i < 10; i++ {
		r.apply(heartbeat("A", model.PeerIdle, model.Resource{}, clk.Now()))
		clk.Advance(2 * time.Second)
		r.sweep()
	}
	_, ok := r.Peer("A")
	assert.Assert(t, ok)
	assert.DeepEqual(t, rec.joined, []string{"A"})
	assert.Equal(t, len(rec.left), 0)
}

func TestHandleDatagram(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 5555}

	encode := func(hb *model.Heartbeat) []byte {
		b, err := EncodeHeartbeat(hb)
		assert.NilError(t, err)
		return b
	}

	forged := heartbeat("forged", model.PeerIdle, model.Resource{}, clk.Now())
	forged.Signature = heartbeat("other", model.PeerIdle, model.Resource{}, clk.Now()).Signature
	stale := heartbeat("stale", model.PeerIdle, model.Resource{}, clk.Now().Add(-301*time.Second))
	tampered := heartbeat("tampered", model.PeerIdle, model.Resource{}, clk.Now())
	tampered.Port = 22

	r.handleDatagram(encode(forged), src)
	r.handleDatagram(encode(stale), src)
	r.handleDatagram(encode(tampered), src)
	r.handleDatagram(encode(heartbeat("self", model.PeerIdle, model.Resource{}, clk.Now())), src)
	r.handleDatagram([]byte("garbage"), src)
	assert.Equal(t, len(r.Peers()), 0)

	r.handleDatagram(encode(heartbeat("good", model.PeerIdle, model.Resource{RAMFreeGB: 2}, clk.Now())), src)
	p, ok := r.Peer("good")
	assert.Assert(t, ok)
	assert.Equal(t, p.Addr(), "10.0.0.1:5556")
	assert.Equal(t, p.Caps.RAMFreeGB, 2.0)
	assert.Equal(t, p.LastSeen, clk.Now())
}

func TestParseNvidiaSMI(t *testing.T) {
	name, free := parseNvidiaSMI([]byte("NVIDIA GeForce RTX 3090, 23552\nNVIDIA GeForce RTX 3090, 100\n"))
	assert.Equal(t, name, "NVIDIA GeForce RTX 3090")
	assert.Equal(t, free, 23.0)

	name, _ = parseNvidiaSMI(nil)
	assert.Equal(t, name, "")
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NilError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func TestStartStopOverLoopback(t *testing.T) {
	listenPort, sendPort := freeUDPPort(t), freeUDPPort(t)
	stats := func() model.Resource { return model.Resource{CPUIdlePercent: 42} }

	listener := New(Options{
		Name: "cli", Secret: testSecret, Port: listenPort,
		Interval: 50 * time.Millisecond, PeerTimeout: time.Second,
		ListenOnly: true, Stats: stats,
	})
	sender := New(Options{
		Name: "worker", Secret: testSecret, Port: sendPort, WorkerPort: 6000,
		DirectPeers: []string{"127.0.0.1:" + strconv.Itoa(listenPort)}, AdvertiseIP: "127.0.0.1",
		Interval: 50 * time.Millisecond, PeerTimeout: time.Second, Stats: stats,
	})

	ctx := context.Background()
	assert.NilError(t, listener.Start(ctx))
	assert.ErrorIs(t, listener.Start(ctx), ErrStarted)
	assert.NilError(t, sender.Start(ctx))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if p, ok := listener.Peer("worker"); ok {
			assert.Equal(t, p.Addr(), "127.0.0.1:6000")
			assert.Equal(t, p.Caps.CPUIdlePercent, 42.0)
			return poll.Success()
		}
		return poll.Continue("worker not discovered yet")
	}, poll.WithTimeout(3*time.Second), poll.WithDelay(20*time.Millisecond))

	// a status change is pushed without waiting for the next tick
	sender.SetStatus(model.PeerBusy)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if p, _ := listener.Peer("worker"); p.Status == model.PeerBusy {
			return poll.Success()
		}
		return poll.Continue("status not propagated")
	}, poll.WithTimeout(3*time.Second), poll.WithDelay(20*time.Millisecond))

	assert.NilError(t, sender.Stop())
	assert.NilError(t, listener.Stop())
	assert.NilError(t, listener.Stop())

	// the port is released once Stop returns
	c, err := net.ListenUDP("udp4", &net.UDPAddr{Port: sendPort})
	assert.NilError(t, err)
	c.Close()
}
