package worker

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"homie/internal/jobs"
	"homie/internal/protocol"
	"homie/internal/worker/sandbox"
	"homie/pkg/model"
)

const (
	chunkSize = 32 << 10
	// pumpGrace 进程退出后等待输出管道关闭的最长时间
	pumpGrace = 5 * time.Second
)

var (
	errDisconnected = errors.New("client disconnected")
	errKilled       = errors.New("killed by request")
)

// runJob executes one authenticated submission and writes its output frames.
// The sandbox and workspace are gone when it returns.
func (a *Agent) runJob(ctx context.Context, conn net.Conn, w *protocol.Writer, payload []byte, log *zap.SugaredLogger) {
	var job model.Job
	if err := protocol.DecodeJSON(payload, &job); err != nil {
		log.Debugw("decode job", "err", err)
		_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeProtocol, "malformed job"))
		return
	}
	if err := jobs.Verify(&job, a.opts.Secret); err != nil {
		// 不向对端泄露失败原因
		log.Warnw("rejected job", "job", job.ID, "sender", job.Sender, "err", err)
		_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeAuthRejected, ""))
		return
	}
	log = log.With("job", job.ID, "sender", job.Sender)

	rec := &model.JobRecord{
		ID:        job.ID,
		Role:      model.RoleRunner,
		Peer:      job.Sender,
		Filename:  job.Filename,
		Args:      job.Args,
		Image:     a.image(&job),
		State:     model.JobFailed,
		StartTime: time.Now(),
	}
	defer func() {
		rec.EndTime = time.Now()
		a.record(rec)
	}()

	fail := func(code protocol.ErrorCode, err error) {
		rec.State = model.JobFailed
		rec.Error = err.Error()
		log.Warnw("job failed", "code", code, "err", err)
		_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(code, err.Error()))
	}

	if err := jobs.Validate(&job); err != nil {
		fail(protocol.CodeBadJob, err)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.track(&job, cancel)
	defer a.untrack(job.ID)

	ws, err := jobs.NewWorkspace(a.opts.ScratchDir, job.ID)
	if err != nil {
		fail(protocol.CodeInternal, err)
		return
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.Warnw("remove workspace", "dir", ws.Dir, "err", err)
		}
	}()
	if err := ws.Materialize(&job); err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, jobs.ErrBadJob) {
			code = protocol.CodeBadJob
		}
		fail(code, err)
		return
	}

	proc, err := a.opts.Sandbox.Start(jobCtx, sandbox.Spec{
		JobID:  job.ID,
		Dir:    ws.Dir,
		Script: job.Filename,
		Args:   job.Args,
		Image:  rec.Image,
		GPU:    job.RequireGPU,
		Limits: a.opts.Limits,
	})
	if err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, sandbox.ErrUnavailable) {
			code = protocol.CodeSandboxUnavailable
		}
		fail(code, err)
		return
	}
	defer func() {
		if err := proc.Destroy(context.Background()); err != nil {
			log.Warnw("destroy sandbox", "err", err)
		}
	}()
	log.Infow("job started", "file", job.Filename, "args", job.Args, "sandbox", a.opts.Sandbox.Name())
	start := time.Now()
	rec.State = model.JobRunning

	// 读端收到 EOF 或出错即视为客户端断开
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel(errDisconnected)
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go a.pump(&pumps, proc.Stdout(), protocol.TypeStdout, w, cancel)
	go a.pump(&pumps, proc.Stderr(), protocol.TypeStderr, w, cancel)

	exitCode, timedOut := a.wait(jobCtx, proc, log)
	a.drain(&pumps, conn, proc, log)
	elapsed := time.Since(start)

	if cause := context.Cause(jobCtx); cause != nil && !timedOut {
		rec.State = model.JobCancelled
		rec.ExitCode = exitCode
		rec.Error = cause.Error()
		log.Infow("job cancelled", "cause", cause, "elapsed", elapsed)
		if errors.Is(cause, errKilled) {
			_ = a.sendDone(w, &protocol.Done{ExitCode: exitCode, ElapsedMS: elapsed.Milliseconds()})
		}
		return
	}

	done := &protocol.Done{ExitCode: exitCode, TimedOut: timedOut, ElapsedMS: elapsed.Milliseconds()}
	if timedOut {
		done.ExitCode = model.ExitTimedOut
	} else {
		files, err := ws.Collect(&job, a.opts.ResultGlobs, a.collectLimit())
		if err != nil {
			fail(protocol.CodeInternal, err)
			return
		}
		done.Files = files
		done.Digests = digests(files)
	}

	result := done.Result()
	rec.State = result.State()
	rec.ExitCode = done.ExitCode
	rec.Files = len(done.Files)
	_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := a.sendDone(w, done); err != nil {
		rec.Error = err.Error()
		log.Warnw("send done", "err", err)
		return
	}
	log.Infow("job finished", "exit_code", done.ExitCode, "timed_out", timedOut, "files", len(done.Files), "elapsed", elapsed)
}

// wait blocks until the process exits, the deadline fires or jobCtx is cancelled.
// The process is killed in the latter two cases.
func (a *Agent) wait(jobCtx context.Context, proc sandbox.Process, log *zap.SugaredLogger) (code int, timedOut bool) {
	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()

	type exit struct {
		code int
		err  error
	}
	exited := make(chan exit, 1)
	go func() {
		code, err := proc.Wait(waitCtx)
		exited <- exit{code, err}
	}()

	var deadline <-chan time.Time
	if a.opts.Limits.Timeout > 0 {
		timer := time.NewTimer(a.opts.Limits.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case e := <-exited:
		if e.err != nil {
			log.Warnw("wait sandbox", "err", e.err)
		}
		return e.code, false
	case <-deadline:
		timedOut = true
		log.Infow("job timed out, killing", "timeout", a.opts.Limits.Timeout)
	case <-jobCtx.Done():
	}

	if err := proc.Kill(context.Background()); err != nil {
		log.Warnw("kill sandbox", "err", err)
	}
	select {
	case e := <-exited:
		return e.code, timedOut
	case <-time.After(pumpGrace):
		log.Warnw("sandbox did not exit after kill")
		return -1, timedOut
	}
}

// drain waits for both pumps. Output still open after the grace period
// belongs to stragglers; they are killed and the pipes closed.
func (a *Agent) drain(pumps *sync.WaitGroup, conn net.Conn, proc sandbox.Process, log *zap.SugaredLogger) {
	finished := make(chan struct{})
	go func() {
		pumps.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return
	case <-time.After(pumpGrace):
	}
	log.Warnw("output still open after exit, destroying sandbox")
	_ = proc.Kill(context.Background())
	_ = proc.Destroy(context.Background())
	// 客户端不读时 pump 会卡在写连接上
	_ = conn.SetWriteDeadline(time.Now())
	<-finished
}

// pump 边读边发，不缓存完整输出
func (a *Agent) pump(wg *sync.WaitGroup, r io.Reader, t protocol.Type, w *protocol.Writer, cancel context.CancelCauseFunc) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := w.WriteFrame(t, buf[:n]); werr != nil {
				cancel(errDisconnected)
				_, _ = io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Agent) sendDone(w *protocol.Writer, d *protocol.Done) error {
	payload, err := protocol.EncodeDone(d)
	if err != nil {
		return err
	}
	return w.WriteFrame(protocol.TypeDone, payload)
}

func (a *Agent) image(job *model.Job) string {
	if job.Image != "" {
		return job.Image
	}
	return a.opts.Image
}

// collectLimit leaves room for base64 expansion and the JSON envelope.
func (a *Agent) collectLimit() int64 {
	limit := int64(a.opts.MaxFrame)/4*3 - 64<<10
	if limit < 0 {
		limit = 0
	}
	return limit
}

func digests(files map[string][]byte) map[string]string {
	out := make(map[string]string, len(files))
	for name, data := range files {
		sum := blake3.Sum256(data)
		out[name] = hex.EncodeToString(sum[:])
	}
	return out
}
