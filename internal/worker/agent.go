// Package worker accepts signed jobs over TCP and runs them in a sandbox.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"homie/internal/logging"
	"homie/internal/protocol"
	"homie/internal/worker/sandbox"
	"homie/pkg/model"
	"homie/pkg/store"
)

const (
	// requestTimeout bounds how long a client may take to deliver its request frame.
	requestTimeout = 30 * time.Second
	// busyDrain bounds the read-side drain after a Busy reply.
	busyDrain = time.Second
)

type Options struct {
	Name   string
	Secret string
	Cap    int

	Sandbox     sandbox.Sandbox
	Image       string
	Limits      sandbox.Limits
	ResultGlobs []string
	MaxFrame    int
	ScratchDir  string

	// History 可为空
	History store.History
	// OnStatus 在忙闲状态切换时调用 (通常是 Registry.SetStatus)
	OnStatus func(model.PeerStatus)
}

type Agent struct {
	opts Options
	log  *zap.SugaredLogger
	sem  *semaphore.Weighted

	mu       sync.Mutex
	inflight int
	running  map[string]*runningJob

	ln net.Listener
	wg sync.WaitGroup
}

type runningJob struct {
	info   model.RunningJob
	cancel context.CancelCauseFunc
}

func NewAgent(opts Options) *Agent {
	if opts.Cap < 1 {
		opts.Cap = 1
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = protocol.DefaultMaxPayload
	}
	return &Agent{
		opts:    opts,
		log:     logging.Logger("worker"),
		sem:     semaphore.NewWeighted(int64(opts.Cap)),
		running: make(map[string]*runningJob),
	}
}

// Listen binds the worker port. Call before Run.
func (a *Agent) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.ln = ln
	return nil
}

// Addr returns the bound address.
func (a *Agent) Addr() net.Addr {
	return a.ln.Addr()
}

// Run 接收连接直到 ctx 结束；返回前等待所有在途任务清理完毕
func (a *Agent) Run(ctx context.Context) error {
	if a.ln == nil {
		return errors.New("worker: Listen not called")
	}
	a.log.Infow("worker listening", "addr", a.ln.Addr(), "sandbox", a.opts.Sandbox.Name(), "cap", a.opts.Cap)

	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()

	var err error
	for {
		conn, acceptErr := a.ln.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil && !errors.Is(acceptErr, net.ErrClosed) {
				err = acceptErr
			}
			break
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(ctx, conn)
		}()
	}
	_ = a.ln.Close()
	a.wg.Wait()
	a.log.Infow("worker stopped")
	return err
}

// Running lists the jobs currently executing, oldest first.
func (a *Agent) Running() []model.RunningJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.RunningJob, 0, len(a.running))
	for _, j := range a.running {
		out = append(out, j.info)
	}
	sortRunning(out)
	return out
}

// handleConn 每个连接只处理一个请求帧
func (a *Agent) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := a.log.With("remote", conn.RemoteAddr().String())

	r := protocol.NewReader(conn, a.opts.MaxFrame)
	w := protocol.NewWriter(conn)
	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))

	t, n, err := r.ReadHeader()
	if err != nil {
		log.Debugw("read request header", "err", err)
		if errors.Is(err, protocol.ErrProtocol) {
			_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeProtocol, "malformed frame"))
		}
		return
	}

	switch t {
	case protocol.TypeJobSubmit:
		// 先占位再读 payload：满载时不消费任何数据
		if !a.sem.TryAcquire(1) {
			log.Infow("rejecting job, at capacity", "cap", a.opts.Cap)
			a.rejectBusy(conn, r, w, n)
			return
		}
		a.acquired()
		defer a.released()

		payload, err := r.ReadPayload(n)
		if err != nil {
			log.Debugw("read job payload", "err", err)
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		a.runJob(ctx, conn, w, payload, log)

	case protocol.TypeListJobs, protocol.TypeKillJob:
		payload, err := r.ReadPayload(n)
		if err != nil {
			log.Debugw("read control payload", "err", err)
			return
		}
		a.handleControl(t, payload, w, log)

	default:
		log.Debugw("unexpected request frame", "type", t)
		_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeProtocol, "unexpected "+t.String()+" frame"))
	}
}

// rejectBusy answers Busy and half-closes. Draining the unread payload lets the
// close end in FIN rather than RST, so the client still sees the Busy frame.
func (a *Agent) rejectBusy(conn net.Conn, r *protocol.Reader, w *protocol.Writer, n uint32) {
	if err := w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeBusy, "worker at capacity")); err != nil {
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(busyDrain))
	_ = r.Discard(n)
}

func (a *Agent) acquired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight++
	if a.inflight == a.opts.Cap {
		a.setStatus(model.PeerBusy)
	}
}

func (a *Agent) released() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight == a.opts.Cap {
		a.setStatus(model.PeerIdle)
	}
	a.inflight--
	a.sem.Release(1)
}

func (a *Agent) setStatus(s model.PeerStatus) {
	if a.opts.OnStatus != nil {
		a.opts.OnStatus(s)
	}
}

func (a *Agent) track(job *model.Job, cancel context.CancelCauseFunc) {
	a.mu.Lock()
	a.running[job.ID] = &runningJob{
		info: model.RunningJob{
			ID:        job.ID,
			Sender:    job.Sender,
			Filename:  job.Filename,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	a.mu.Unlock()
}

func (a *Agent) untrack(id string) {
	a.mu.Lock()
	delete(a.running, id)
	a.mu.Unlock()
}

// kill cancels a running job; it reports whether the id was found.
func (a *Agent) kill(id string) bool {
	a.mu.Lock()
	j, ok := a.running[id]
	a.mu.Unlock()
	if ok {
		j.cancel(errKilled)
	}
	return ok
}

func (a *Agent) record(rec *model.JobRecord) {
	if a.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.opts.History.Record(ctx, rec); err != nil {
		a.log.Warnw("record history", "job", rec.ID, "err", err)
	}
}
