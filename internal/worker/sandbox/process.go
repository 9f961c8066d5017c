package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Local runs jobs as a host process group inside the scratch directory.
// Intended for hosts without a container engine and for tests.
type Local struct {
	// Interpreters overrides the interpreter lookup, e.g. {".py": {"python3"}}.
	Interpreters map[string][]string
	// Isolate drops the job to uid nobody in an empty network namespace.
	// Requires root; Linux only.
	Isolate bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string { return "process" }

func (l *Local) Start(_ context.Context, spec Spec) (Process, error) {
	argv := l.command(spec.Script, spec.Args)
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrUnavailable, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrUnavailable, err)
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   argv,
		Dir:    spec.Dir,
		Env:    []string{"PATH=" + os.Getenv("PATH"), "HOME=" + spec.Dir, "HOMIE_JOB_ID=" + spec.JobID, "PYTHONUNBUFFERED=1"},
		Stdout: outW,
		Stderr: errW,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid: true,
		},
	}
	if l.Isolate {
		harden(cmd)
	}

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, argv[0], err)
	}
	// 子进程持有写端；父进程关闭后，读端在所有子孙退出时得到 EOF
	closeAll(outW, errW)

	p := &localProcess{cmd: cmd, stdout: outR, stderr: errR, done: make(chan struct{})}
	go p.reap()
	if err := applyLimits(cmd.Process.Pid, spec.Limits); err != nil {
		_ = p.Destroy(context.Background())
		return nil, fmt.Errorf("%w: apply limits: %v", ErrUnavailable, err)
	}
	return p, nil
}

func (l *Local) command(script string, args []string) []string {
	if interp, ok := l.Interpreters[strings.ToLower(filepath.Ext(script))]; ok {
		cmd := append(append([]string{}, interp...), script)
		return append(cmd, args...)
	}
	return Command(script, args)
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	destroyOnce sync.Once
	destroyErr  error
}

func (p *localProcess) reap() {
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	close(p.done)
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill signals the whole process group so grandchildren holding the pipes die too.
func (p *localProcess) Kill(context.Context) error {
	// leader 已退出时进程组里仍可能有残留子进程
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *localProcess) Destroy(ctx context.Context) error {
	p.destroyOnce.Do(func() {
		var err error
		err = multierr.Append(err, p.Kill(ctx))
		<-p.done
		err = multierr.Append(err, p.stdout.Close())
		err = multierr.Append(err, p.stderr.Close())
		p.destroyErr = err
	})
	return p.destroyErr
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
