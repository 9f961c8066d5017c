package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"homie/pkg/model"
)

func TestPeerKey(t *testing.T) {
	assert.Equal(t, peerKey("alice"), "/homie/peers/alice")
}

func TestDecodePeersSkipsGarbage(t *testing.T) {
	e := &EtcdManager{log: zap.NewNop().Sugar()}
	b, err := json.Marshal(model.PeerRecord{Name: "zed", IP: "10.0.0.2", Port: 5556, Status: model.PeerIdle})
	assert.NilError(t, err)
	a, err := json.Marshal(model.PeerRecord{Name: "amy", IP: "10.0.0.1", Port: 5556, Status: model.PeerBusy})
	assert.NilError(t, err)

	peers := e.decodePeers([][]byte{b, []byte("{not json"), a})
	assert.Equal(t, len(peers), 2)
	assert.Equal(t, peers[0].Name, "amy")
	assert.Equal(t, peers[1].Addr(), "10.0.0.2:5556")
}

func newQueuedMirror(write func(ctx context.Context, op mirrorOp) error) *EtcdManager {
	ctx, cancel := context.WithCancel(context.Background())
	e := &EtcdManager{ctx: ctx, cancel: cancel, log: zap.NewNop().Sugar(), write: write}
	e.startQueue()
	return e
}

func TestMirrorCallbacksDoNotBlock(t *testing.T) {
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		got []string
	)
	e := newQueuedMirror(func(ctx context.Context, op mirrorOp) error {
		<-release
		mu.Lock()
		defer mu.Unlock()
		if op.leave {
			got = append(got, "-"+op.peer.Name)
		} else {
			got = append(got, "+"+op.peer.Name)
		}
		return nil
	})
	defer e.stopQueue()

	start := time.Now()
	e.PeerJoined(model.PeerRecord{Name: "a"})
	e.PeerJoined(model.PeerRecord{Name: "b"})
	e.PeerLeft(model.PeerRecord{Name: "a"})
	assert.Assert(t, time.Since(start) < time.Second, "observer callbacks blocked on the store")

	close(release)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		mu.Lock()
		defer mu.Unlock()
		if len(got) == 3 {
			return poll.Success()
		}
		return poll.Continue("mirrored %v", got)
	}, poll.WithTimeout(5*time.Second))
	assert.DeepEqual(t, got, []string{"+a", "+b", "-a"})
}

func TestMirrorQueueFullDropsAndStops(t *testing.T) {
	e := newQueuedMirror(func(ctx context.Context, op mirrorOp) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	for i := 0; i < mirrorQueueSize+10; i++ {
		e.PeerJoined(model.PeerRecord{Name: "p"})
	}
	assert.Assert(t, time.Since(start) < time.Second)

	stopped := make(chan struct{})
	go func() {
		e.stopQueue()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stopQueue did not return")
	}
	// after stop, callbacks are ignored
	e.PeerLeft(model.PeerRecord{Name: "p"})
}
