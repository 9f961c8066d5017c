package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"homie/internal/logging"
)

const (
	workspaceMount = "/workspace"
	sandboxUser    = "1000:1000"
	teardownWait   = 30 * time.Second
)

type Docker struct {
	cli *client.Client
	log *zap.SugaredLogger
}

// NewDocker 初始化 Docker 客户端 (从环境变量或默认 socket)
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{cli: cli, log: logging.Logger("docker")}, nil
}

func (d *Docker) Name() string { return "docker" }

// Ping reports whether the engine is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// Start creates, attaches and starts one container for the job. Any failure
// after the container exists removes it again before returning.
func (d *Docker) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("%w: image %s: %v", ErrUnavailable, spec.Image, err)
	}

	pids := spec.Limits.PidsLimit
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             Command(spec.Script, spec.Args),
		WorkingDir:      workspaceMount,
		User:            sandboxUser,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		Env:             []string{"HOMIE_JOB_ID=" + spec.JobID, "PYTHONUNBUFFERED=1"},
		Labels:          map[string]string{"homie.job": spec.JobID},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs:          map[string]string{"/tmp": "size=100m,mode=1777"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: workspaceMount,
		}},
		Resources: container.Resources{
			NanoCPUs: int64(spec.Limits.CPUs * 1e9),
			Memory:   spec.Limits.MemoryBytes,
		},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}
	if spec.GPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", ErrUnavailable, err)
	}
	p := &dockerProcess{cli: d.cli, id: resp.ID}
	d.log.Debugw("container created", "job", spec.JobID, "container", shortID(resp.ID))

	// attach 必须在 start 之前，否则会丢失最早的输出
	hijack, err := d.cli.ContainerAttach(ctx, resp.ID, types.ContainerAttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = p.Destroy(context.Background())
		return nil, fmt.Errorf("%w: attach container: %v", ErrUnavailable, err)
	}
	p.attach = &hijack

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p.stdout, p.stderr = outR, errR
	go func() {
		// stdcopy 把 docker 的多路复用流拆成 stdout / stderr
		_, err := stdcopy.StdCopy(outW, errW, hijack.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = p.Destroy(context.Background())
		return nil, fmt.Errorf("%w: start container: %v", ErrUnavailable, err)
	}
	d.log.Debugw("container started", "job", spec.JobID, "container", shortID(resp.ID))
	return p, nil
}

// ensureImage pulls the image when it is not present locally.
func (d *Docker) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}
	d.log.Infow("pulling image", "image", image)
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

type dockerProcess struct {
	cli    *client.Client
	id     string
	attach *types.HijackedResponse
	stdout *io.PipeReader
	stderr *io.PipeReader

	destroyOnce sync.Once
	destroyErr  error
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return int(st.StatusCode), fmt.Errorf("container wait: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	}
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	err := p.cli.ContainerKill(ctx, p.id, "KILL")
	if err != nil && (errdefs.IsNotFound(err) || errdefs.IsConflict(err)) {
		// 已经退出或已删除
		return nil
	}
	return err
}

// Destroy force-removes the container and unblocks the stream copier.
func (p *dockerProcess) Destroy(context.Context) error {
	p.destroyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
		defer cancel()

		var err error
		if p.stdout != nil {
			_ = p.stdout.Close()
			_ = p.stderr.Close()
		}
		if p.attach != nil {
			p.attach.Close()
		}
		rmErr := p.cli.ContainerRemove(ctx, p.id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
		if rmErr != nil && !errdefs.IsNotFound(rmErr) {
			err = multierr.Append(err, fmt.Errorf("remove container %s: %w", shortID(p.id), rmErr))
		}
		p.destroyErr = err
	})
	return p.destroyErr
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
