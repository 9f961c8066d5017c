// Package client submits jobs to peers and materializes their results.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"homie/internal/auth"
	"homie/internal/discovery"
	"homie/internal/jobs"
	"homie/internal/logging"
	"homie/internal/protocol"
	"homie/pkg/model"
	"homie/pkg/store"
)

var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrNoPeers           = errors.New("no idle peer available")
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("timed out waiting for worker")
	ErrNetwork           = errors.New("connection lost")
	ErrDigest            = errors.New("result file digest mismatch")
)

// RemoteError is an Error frame sent by the worker.
type RemoteError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker rejected job: %s", e.Code)
	}
	return fmt.Sprintf("worker error %s: %s", e.Code, e.Message)
}

// IsBusy reports whether err is a Busy rejection.
func IsBusy(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == protocol.CodeBusy
}

// PeerSource is the part of the registry the client reads.
type PeerSource interface {
	Peer(name string) (model.PeerRecord, bool)
	SelectBest(pred discovery.Predicate, score discovery.Scorer) (model.PeerRecord, bool)
}

// Sink receives output chunks as they arrive.
type Sink interface {
	Output(peer string, stream protocol.Type, data []byte)
}

type Options struct {
	Name   string
	Secret string
	Peers  PeerSource

	DialTimeout time.Duration
	// ReadTimeout 单帧读取超时；0 表示不限
	ReadTimeout time.Duration
	MaxFrame    int

	OutDir  string
	Score   discovery.Scorer
	History store.History
	Sink    Sink
}

type Client struct {
	opts Options
	log  *zap.SugaredLogger
}

func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.OutDir == "" {
		opts.OutDir = "."
	}
	if opts.Score == nil {
		opts.Score = discovery.ByBalanced
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	return &Client{opts: opts, log: logging.Logger("client")}
}

type Request struct {
	Script string
	Args   []string
	Files  []string
	Peer   string
	Image  string
	GPU    bool
	// Need 自动选择节点时的最低资源要求 (空闲内存 / 显存)
	Need model.Resource
}

// Summary describes one finished submission.
type Summary struct {
	Peer     string
	JobID    string
	Elapsed  time.Duration
	ExitCode int
	TimedOut bool
	Files    []string
}

// Resolve returns the named peer, or the best idle one covering need when name
// is empty. An explicitly named peer is not checked against need.
func (c *Client) Resolve(name string, gpu bool, need model.Resource) (model.PeerRecord, error) {
	if c.opts.Peers == nil {
		return model.PeerRecord{}, ErrNoPeers
	}
	if name != "" {
		p, ok := c.opts.Peers.Peer(name)
		if !ok {
			return model.PeerRecord{}, fmt.Errorf("%w: %s", ErrPeerNotFound, name)
		}
		return p, nil
	}
	pred := discovery.Any
	if need != (model.Resource{}) {
		pred = discovery.Covers(need)
	}
	if gpu {
		pred = discovery.All(discovery.NeedsGPU, pred)
	}
	p, ok := c.opts.Peers.SelectBest(pred, c.opts.Score)
	if !ok {
		return model.PeerRecord{}, ErrNoPeers
	}
	return p, nil
}

// Run resolves a peer, submits the script and writes the returned files.
func (c *Client) Run(ctx context.Context, req Request) (*Summary, error) {
	peer, err := c.Resolve(req.Peer, req.GPU, req.Need)
	if err != nil {
		return nil, err
	}
	job, err := jobs.Build(req.Script, jobs.BuildOptions{
		Sender:     c.opts.Name,
		Args:       req.Args,
		ExtraFiles: req.Files,
		Image:      req.Image,
		RequireGPU: req.GPU,
	})
	if err != nil {
		return nil, err
	}
	jobs.Sign(job, c.opts.Secret)

	rec := &model.JobRecord{
		ID:        job.ID,
		Role:      model.RoleSender,
		Peer:      peer.Name,
		Filename:  job.Filename,
		Args:      job.Args,
		Image:     job.Image,
		State:     model.JobFailed,
		StartTime: time.Now(),
	}
	defer c.record(rec)

	start := time.Now()
	done, err := c.Submit(ctx, peer, job)
	rec.EndTime = time.Now()
	if err != nil {
		rec.Error = err.Error()
		return nil, err
	}
	written, err := c.writeFiles(done)
	if err != nil {
		rec.Error = err.Error()
		return nil, err
	}

	result := done.Result()
	rec.State = result.State()
	rec.ExitCode = done.ExitCode
	rec.Files = len(written)
	return &Summary{
		Peer:     peer.Name,
		JobID:    job.ID,
		Elapsed:  time.Since(start),
		ExitCode: done.ExitCode,
		TimedOut: done.TimedOut,
		Files:    written,
	}, nil
}

// Submit sends a signed job to peer and streams its output to the sink.
// It returns the Done frame, or a *RemoteError for an Error frame.
func (c *Client) Submit(ctx context.Context, peer model.PeerRecord, job *model.Job) (*protocol.Done, error) {
	payload, err := jobs.Marshal(job)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.log.Debugw("submitting job", "job", job.ID, "peer", peer.Name, "bytes", len(payload))
	r := protocol.NewReader(conn, c.opts.MaxFrame)
	// 写失败时仍然读一次：满载的 worker 会先回 Busy 再关闭连接
	writeErr := protocol.NewWriter(conn).WriteFrame(protocol.TypeJobSubmit, payload)

	for {
		t, body, err := c.readFrame(conn, r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if writeErr != nil {
				return nil, fmt.Errorf("%w: send job: %v", ErrNetwork, writeErr)
			}
			return nil, err
		}
		switch t {
		case protocol.TypeStdout, protocol.TypeStderr:
			c.opts.Sink.Output(peer.Name, t, body)
		case protocol.TypeError:
			code, msg, err := protocol.DecodeError(body)
			if err != nil {
				return nil, err
			}
			return nil, &RemoteError{Code: code, Message: msg}
		case protocol.TypeDone:
			done, err := protocol.DecodeDone(body)
			if err != nil {
				return nil, err
			}
			if err := verifyDigests(done); err != nil {
				return nil, err
			}
			return done, nil
		default:
			return nil, fmt.Errorf("%w: unexpected %s frame", protocol.ErrProtocol, t)
		}
	}
}

// ListJobs asks peer for its running jobs.
func (c *Client) ListJobs(ctx context.Context, peer model.PeerRecord) ([]model.RunningJob, error) {
	t, body, err := c.control(ctx, peer, protocol.TypeListJobs, "")
	if err != nil {
		return nil, err
	}
	if t != protocol.TypeJobList {
		return nil, fmt.Errorf("%w: unexpected %s reply", protocol.ErrProtocol, t)
	}
	var running []model.RunningJob
	if err := protocol.DecodeJSON(body, &running); err != nil {
		return nil, err
	}
	return running, nil
}

// KillJob asks peer to kill job id. It reports whether the job was running there.
func (c *Client) KillJob(ctx context.Context, peer model.PeerRecord, id string) (bool, error) {
	t, body, err := c.control(ctx, peer, protocol.TypeKillJob, id)
	if err != nil {
		return false, err
	}
	if t != protocol.TypeAck || len(body) != 1 {
		return false, fmt.Errorf("%w: unexpected %s reply", protocol.ErrProtocol, t)
	}
	return body[0] == 1, nil
}

func (c *Client) control(ctx context.Context, peer model.PeerRecord, t protocol.Type, jobID string) (protocol.Type, []byte, error) {
	req := &protocol.Control{JobID: jobID, Requester: c.opts.Name}
	signControl(req, t, c.opts.Secret)
	body, err := protocol.EncodeJSON(req)
	if err != nil {
		return 0, nil, err
	}

	conn, err := c.dial(ctx, peer)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := protocol.NewWriter(conn).WriteFrame(t, body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	rt, payload, err := c.readFrame(conn, protocol.NewReader(conn, c.opts.MaxFrame))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, err
	}
	if rt == protocol.TypeError {
		code, msg, err := protocol.DecodeError(payload)
		if err != nil {
			return 0, nil, err
		}
		return 0, nil, &RemoteError{Code: code, Message: msg}
	}
	return rt, payload, nil
}

func (c *Client) dial(ctx context.Context, peer model.PeerRecord) (net.Conn, error) {
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s (%s): %v", ErrConnectionRefused, peer.Name, peer.Addr(), err)
	}
	return conn, nil
}

// readFrame applies the per-frame timeout and maps transport failures.
func (c *Client) readFrame(conn net.Conn, r *protocol.Reader) (protocol.Type, []byte, error) {
	if c.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	t, body, err := r.ReadFrame()
	if err == nil {
		return t, body, nil
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return 0, nil, fmt.Errorf("%w after %s", ErrTimeout, c.opts.ReadTimeout)
	case errors.Is(err, protocol.ErrProtocol):
		return 0, nil, err
	case errors.Is(err, io.EOF):
		return 0, nil, fmt.Errorf("%w: worker closed the connection", ErrNetwork)
	default:
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

// writeFiles stores each result file under OutDir, replacing existing files atomically.
func (c *Client) writeFiles(done *protocol.Done) ([]string, error) {
	names := make([]string, 0, len(done.Files))
	for name := range done.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return written, fmt.Errorf("%w: refusing result file %q", protocol.ErrProtocol, name)
		}
		dst := filepath.Join(c.opts.OutDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return written, fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := atomicwriter.WriteFile(dst, done.Files[name], 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

func (c *Client) record(rec *model.JobRecord) {
	if c.opts.History == nil {
		return
	}
	if rec.EndTime.IsZero() {
		rec.EndTime = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.History.Record(ctx, rec); err != nil {
		c.log.Warnw("record history", "job", rec.ID, "err", err)
	}
}

func verifyDigests(done *protocol.Done) error {
	for name, data := range done.Files {
		want, ok := done.Digests[name]
		if !ok {
			continue
		}
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return fmt.Errorf("%w: %s", ErrDigest, name)
		}
	}
	return nil
}

func signControl(req *protocol.Control, t protocol.Type, secret string) {
	req.Timestamp = auth.Now()
	req.Signature = auth.Sign(req.Purpose(t), req.SignedID(t), req.Timestamp, secret)
}

type discardSink struct{}

func (discardSink) Output(string, protocol.Type, []byte) {}
