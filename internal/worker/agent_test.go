package worker

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"homie/internal/auth"
	"homie/internal/discovery"
	"homie/internal/jobs"
	"homie/internal/protocol"
	"homie/internal/worker/sandbox"
	"homie/pkg/model"
)

const testSecret = "group-secret"

type frame struct {
	t       protocol.Type
	payload []byte
}

type memHistory struct {
	mu   sync.Mutex
	recs []model.JobRecord
}

func (h *memHistory) Record(_ context.Context, rec *model.JobRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, *rec)
	h.mu.Unlock()
	return nil
}

func (h *memHistory) List(context.Context, int) ([]model.JobRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.JobRecord(nil), h.recs...), nil
}

func (h *memHistory) Get(context.Context, string, string) (*model.JobRecord, error) { return nil, nil }
func (h *memHistory) Close() error                                                   { return nil }

func startAgent(t *testing.T, mutate func(*Options)) *Agent {
	t.Helper()
	opts := Options{
		Name:       "worker",
		Secret:     testSecret,
		Cap:        2,
		Sandbox:    sandbox.NewLocal(),
		Limits:     sandbox.Limits{Timeout: 20 * time.Second},
		ScratchDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	a := NewAgent(opts)
	assert.NilError(t, a.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-stopped:
			assert.NilError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return a
}

func newJob(script string, secret string) *model.Job {
	job := &model.Job{
		ID:       jobs.NewID(),
		Sender:   "tester",
		Filename: "job.sh",
		Code:     []byte(script),
		Args:     []string{},
		Files:    map[string][]byte{},
	}
	jobs.Sign(job, secret)
	return job
}

func dialSubmit(t *testing.T, a *Agent, job *model.Job) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", a.Addr().String())
	assert.NilError(t, err)
	payload, err := jobs.Marshal(job)
	assert.NilError(t, err)
	assert.NilError(t, protocol.NewWriter(conn).WriteFrame(protocol.TypeJobSubmit, payload))
	return conn
}

// readAll collects frames until Done, Error or EOF.
func readAll(t *testing.T, conn net.Conn) []frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	r := protocol.NewReader(conn, 0)
	var out []frame
	for {
		ft, payload, err := r.ReadFrame()
		if err != nil {
			return out
		}
		out = append(out, frame{ft, payload})
		if ft == protocol.TypeDone || ft == protocol.TypeError {
			return out
		}
	}
}

func submit(t *testing.T, a *Agent, job *model.Job) []frame {
	t.Helper()
	conn := dialSubmit(t, a, job)
	defer conn.Close()
	return readAll(t, conn)
}

func lastDone(t *testing.T, frames []frame) *protocol.Done {
	t.Helper()
	assert.Assert(t, len(frames) > 0)
	last := frames[len(frames)-1]
	assert.Equal(t, last.t, protocol.TypeDone, "last frame %s %q", last.t, last.payload)
	done, err := protocol.DecodeDone(last.payload)
	assert.NilError(t, err)
	return done
}

func lastError(t *testing.T, frames []frame) (protocol.ErrorCode, string) {
	t.Helper()
	assert.Assert(t, len(frames) > 0)
	last := frames[len(frames)-1]
	assert.Equal(t, last.t, protocol.TypeError)
	code, msg, err := protocol.DecodeError(last.payload)
	assert.NilError(t, err)
	return code, msg
}

func control(t *testing.T, a *Agent, ft protocol.Type, jobID, secret string) frame {
	t.Helper()
	req := protocol.Control{JobID: jobID, Requester: "tester", Timestamp: auth.Now()}
	req.Signature = auth.Sign(req.Purpose(ft), req.SignedID(ft), req.Timestamp, secret)
	return sendControl(t, a, ft, req)
}

func sendControl(t *testing.T, a *Agent, ft protocol.Type, req protocol.Control) frame {
	t.Helper()
	body, err := protocol.EncodeJSON(req)
	assert.NilError(t, err)

	conn, err := net.Dial("tcp", a.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	assert.NilError(t, protocol.NewWriter(conn).WriteFrame(ft, body))
	frames := readAllControl(t, conn)
	assert.Equal(t, len(frames), 1)
	return frames[0]
}

func readAllControl(t *testing.T, conn net.Conn) []frame {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	r := protocol.NewReader(conn, 0)
	var out []frame
	for {
		ft, payload, err := r.ReadFrame()
		if err != nil {
			return out
		}
		out = append(out, frame{ft, payload})
	}
}

func assertScratchEmpty(t *testing.T, a *Agent) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		entries, err := os.ReadDir(a.opts.ScratchDir)
		if err != nil {
			return poll.Error(err)
		}
		if len(entries) == 0 {
			return poll.Success()
		}
		return poll.Continue("%d workspaces left", len(entries))
	}, poll.WithTimeout(5*time.Second))
}

func TestHello(t *testing.T) {
	a := startAgent(t, nil)
	frames := submit(t, a, newJob("echo hi\n", testSecret))

	assert.Equal(t, len(frames), 2)
	assert.Equal(t, frames[0].t, protocol.TypeStdout)
	assert.Equal(t, string(frames[0].payload), "hi\n")
	done := lastDone(t, frames)
	assert.Equal(t, done.ExitCode, 0)
	assert.Assert(t, !done.TimedOut)
	assert.Assert(t, is.Len(done.Files, 0))
	assertScratchEmpty(t, a)
}

func TestResultFile(t *testing.T) {
	a := startAgent(t, nil)
	job := newJob("printf X > output.txt\necho err >&2\nexit 3\n", testSecret)
	job.Files["input.txt"] = []byte("in")
	jobs.Sign(job, testSecret)

	frames := submit(t, a, job)
	done := lastDone(t, frames)
	assert.Equal(t, done.ExitCode, 3)
	// inputs are never sent back
	assert.DeepEqual(t, done.Files, map[string][]byte{"output.txt": []byte("X")})
	sum := blake3.Sum256([]byte("X"))
	assert.Equal(t, done.Digests["output.txt"], hex.EncodeToString(sum[:]))

	var stderr string
	for _, f := range frames {
		if f.t == protocol.TypeStderr {
			stderr += string(f.payload)
		}
	}
	assert.Equal(t, stderr, "err\n")
}

func TestResultGlobs(t *testing.T) {
	a := startAgent(t, func(o *Options) { o.ResultGlobs = []string{"*.csv"} })
	frames := submit(t, a, newJob("echo a > keep.csv\necho b > skip.log\n", testSecret))
	done := lastDone(t, frames)
	assert.DeepEqual(t, done.Files, map[string][]byte{"keep.csv": []byte("a\n")})
}

func TestTimeout(t *testing.T) {
	hist := &memHistory{}
	a := startAgent(t, func(o *Options) {
		o.Limits.Timeout = time.Second
		o.History = hist
	})

	start := time.Now()
	frames := submit(t, a, newJob("while true; do :; done\n", testSecret))
	elapsed := time.Since(start)

	done := lastDone(t, frames)
	assert.Assert(t, done.TimedOut)
	assert.Equal(t, done.ExitCode, model.ExitTimedOut)
	assert.Assert(t, elapsed < 4*time.Second, "took %s", elapsed)
	assertScratchEmpty(t, a)

	recs, _ := hist.List(context.Background(), 0)
	assert.Equal(t, len(recs), 1)
	assert.Equal(t, recs[0].State, model.JobTimedOut)
	assert.Equal(t, recs[0].Role, model.RoleRunner)
}

func TestBusyBeyondCap(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses []model.PeerStatus
	)
	a := startAgent(t, func(o *Options) {
		o.Cap = 2
		o.OnStatus = func(s model.PeerStatus) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		}
	})

	var conns []net.Conn
	for i := 0; i < 2; i++ {
		conns = append(conns, dialSubmit(t, a, newJob("sleep 1\necho done\n", testSecret)))
	}
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if n := len(a.Running()); n == 2 {
			return poll.Success()
		}
		return poll.Continue("jobs not running yet")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	marker := t.TempDir() + "/ran"
	frames := submit(t, a, newJob("touch "+marker+"\n", testSecret))
	code, _ := lastError(t, frames)
	assert.Equal(t, code, protocol.CodeBusy)

	for _, c := range conns {
		done := lastDone(t, readAll(t, c))
		assert.Equal(t, done.ExitCode, 0)
		c.Close()
	}
	_, err := os.Stat(marker)
	assert.Assert(t, os.IsNotExist(err), "rejected job must not run")

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 2 {
			return poll.Success()
		}
		return poll.Continue("status transitions: %v", statuses)
	}, poll.WithTimeout(5*time.Second))
	assert.DeepEqual(t, statuses, []model.PeerStatus{model.PeerBusy, model.PeerIdle})
}

func TestAuthRejected(t *testing.T) {
	a := startAgent(t, nil)
	frames := submit(t, a, newJob("echo should-not-run\n", "wrong-secret"))
	assert.Equal(t, len(frames), 1)
	code, msg := lastError(t, frames)
	assert.Equal(t, code, protocol.CodeAuthRejected)
	assert.Equal(t, msg, "")
	assertScratchEmpty(t, a)

	stale := newJob("echo stale\n", testSecret)
	stale.Timestamp -= (auth.ReplayWindow + time.Second).Milliseconds()
	stale.Signature = auth.Sign(auth.PurposeJob, stale.ID, stale.Timestamp, testSecret)
	code, _ = lastError(t, submit(t, a, stale))
	assert.Equal(t, code, protocol.CodeAuthRejected)
}

func TestJobForgedFromHeartbeatRejected(t *testing.T) {
	a := startAgent(t, nil)
	hb := &model.Heartbeat{Name: "alice", IP: "10.0.0.5", Port: 5556, Status: model.PeerIdle, Timestamp: auth.Now()}
	discovery.SignHeartbeat(hb, testSecret)

	forged := &model.Job{
		ID:        "alice|10.0.0.5|5556",
		Sender:    "mallory",
		Filename:  "job.sh",
		Code:      []byte("echo pwned\n"),
		Args:      []string{},
		Files:     map[string][]byte{},
		Timestamp: hb.Timestamp,
		Signature: hb.Signature,
	}
	frames := submit(t, a, forged)
	assert.Equal(t, len(frames), 1)
	code, _ := lastError(t, frames)
	assert.Equal(t, code, protocol.CodeAuthRejected)
	assertScratchEmpty(t, a)
}

func TestJobSignatureIsNotAControlSignature(t *testing.T) {
	a := startAgent(t, nil)
	job := newJob("sleep 30\n", testSecret)
	conn := dialSubmit(t, a, job)
	defer conn.Close()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(a.Running()) == 1 {
			return poll.Success()
		}
		return poll.Continue("job not running yet")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	replayed := protocol.Control{JobID: job.ID, Requester: "mallory", Timestamp: job.Timestamp, Signature: job.Signature}
	got := sendControl(t, a, protocol.TypeKillJob, replayed)
	assert.Equal(t, got.t, protocol.TypeError)
	assert.Equal(t, len(a.Running()), 1)

	listJob := newJob("echo\n", testSecret)
	listJob.ID = protocol.ListControlID
	jobs.Sign(listJob, testSecret)
	got = sendControl(t, a, protocol.TypeListJobs, protocol.Control{Requester: "mallory", Timestamp: listJob.Timestamp, Signature: listJob.Signature})
	assert.Equal(t, got.t, protocol.TypeError)

	ack := control(t, a, protocol.TypeKillJob, job.ID, testSecret)
	assert.DeepEqual(t, ack, frame{protocol.TypeAck, []byte{1}}, cmp.AllowUnexported(frame{}))
	lastDone(t, readAll(t, conn))
}

func TestBadJobName(t *testing.T) {
	a := startAgent(t, nil)
	job := newJob("echo\n", testSecret)
	job.Files["../escape"] = []byte("x")
	code, _ := lastError(t, submit(t, a, job))
	assert.Equal(t, code, protocol.CodeBadJob)
}

func TestSandboxUnavailable(t *testing.T) {
	a := startAgent(t, func(o *Options) {
		o.Sandbox = &sandbox.Local{Interpreters: map[string][]string{".sh": {"no-such-interpreter"}}}
	})
	code, msg := lastError(t, submit(t, a, newJob("echo\n", testSecret)))
	assert.Equal(t, code, protocol.CodeSandboxUnavailable)
	assert.Assert(t, msg != "")
	assertScratchEmpty(t, a)
}

func TestListAndKill(t *testing.T) {
	hist := &memHistory{}
	a := startAgent(t, func(o *Options) { o.History = hist })
	job := newJob("sleep 30\n", testSecret)
	conn := dialSubmit(t, a, job)
	defer conn.Close()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(a.Running()) == 1 {
			return poll.Success()
		}
		return poll.Continue("job not running yet")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	list := control(t, a, protocol.TypeListJobs, "", testSecret)
	assert.Equal(t, list.t, protocol.TypeJobList)
	var running []model.RunningJob
	assert.NilError(t, protocol.DecodeJSON(list.payload, &running))
	assert.Equal(t, len(running), 1)
	assert.Equal(t, running[0].ID, job.ID)
	assert.Equal(t, running[0].Sender, "tester")

	denied := control(t, a, protocol.TypeKillJob, job.ID, "wrong-secret")
	assert.Equal(t, denied.t, protocol.TypeError)

	ack := control(t, a, protocol.TypeKillJob, "unknown", testSecret)
	assert.DeepEqual(t, ack, frame{protocol.TypeAck, []byte{0}}, cmp.AllowUnexported(frame{}))

	ack = control(t, a, protocol.TypeKillJob, job.ID, testSecret)
	assert.DeepEqual(t, ack, frame{protocol.TypeAck, []byte{1}}, cmp.AllowUnexported(frame{}))

	done := lastDone(t, readAll(t, conn))
	assert.Assert(t, done.ExitCode != 0)
	assertScratchEmpty(t, a)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		recs, _ := hist.List(context.Background(), 0)
		if len(recs) == 1 {
			return poll.Success()
		}
		return poll.Continue("history not written")
	}, poll.WithTimeout(5*time.Second))
	recs, _ := hist.List(context.Background(), 0)
	assert.Equal(t, recs[0].State, model.JobCancelled)
}

func TestDisconnectKillsJob(t *testing.T) {
	a := startAgent(t, nil)
	conn := dialSubmit(t, a, newJob("sleep 30\n", testSecret))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(a.Running()) == 1 {
			return poll.Success()
		}
		return poll.Continue("job not running yet")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	assert.NilError(t, conn.Close())
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(a.Running()) == 0 {
			return poll.Success()
		}
		return poll.Continue("job still running")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
	assertScratchEmpty(t, a)
}

func TestUnexpectedFrame(t *testing.T) {
	a := startAgent(t, nil)
	conn, err := net.Dial("tcp", a.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	assert.NilError(t, protocol.NewWriter(conn).WriteFrame(protocol.TypeStdout, []byte("x")))
	code, _ := lastError(t, readAll(t, conn))
	assert.Equal(t, code, protocol.CodeProtocol)
}
