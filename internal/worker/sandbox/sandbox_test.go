package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestCommandByExtension(t *testing.T) {
	cases := map[string][]string{
		"train.py": {"python", "train.py", "a", "b"},
		"app.JS":   {"node", "app.JS", "a", "b"},
		"run.sh":   {"sh", "run.sh", "a", "b"},
		"noext":    {"python", "noext", "a", "b"},
	}
	for name, want := range cases {
		assert.DeepEqual(t, Command(name, []string{"a", "b"}), want)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "job.sh"), []byte(body), 0o644))
	return dir
}

func TestLocalStreamsAndExitCode(t *testing.T) {
	dir := writeScript(t, "echo out; echo err >&2; exit 3\n")
	p, err := NewLocal().Start(context.Background(), Spec{JobID: "t1", Dir: dir, Script: "job.sh"})
	assert.NilError(t, err)
	defer p.Destroy(context.Background())

	stdout, err := io.ReadAll(p.Stdout())
	assert.NilError(t, err)
	stderr, err := io.ReadAll(p.Stderr())
	assert.NilError(t, err)

	code, err := p.Wait(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, code, 3)
	assert.Equal(t, string(stdout), "out\n")
	assert.Equal(t, string(stderr), "err\n")
}

func TestLocalArgsInOrder(t *testing.T) {
	dir := writeScript(t, `echo "$1-$2-$3"`+"\n")
	p, err := NewLocal().Start(context.Background(), Spec{Dir: dir, Script: "job.sh", Args: []string{"x", "y", "z"}})
	assert.NilError(t, err)
	defer p.Destroy(context.Background())

	out, err := io.ReadAll(p.Stdout())
	assert.NilError(t, err)
	assert.Equal(t, string(out), "x-y-z\n")
}

func TestLocalKillReachesChildren(t *testing.T) {
	// the background sleep inherits stdout; EOF requires the whole group to die
	dir := writeScript(t, "sleep 60 &\nwhile true; do :; done\n")
	p, err := NewLocal().Start(context.Background(), Spec{Dir: dir, Script: "job.sh"})
	assert.NilError(t, err)

	assert.NilError(t, p.Kill(context.Background()))

	read := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(p.Stdout())
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatal("stdout did not close after kill")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := p.Wait(ctx)
	assert.NilError(t, err)
	assert.Assert(t, code != 0)
	assert.NilError(t, p.Destroy(context.Background()))
	assert.NilError(t, p.Destroy(context.Background()))
}

func TestLocalMissingInterpreter(t *testing.T) {
	l := &Local{Interpreters: map[string][]string{".sh": {"definitely-not-a-shell"}}}
	_, err := l.Start(context.Background(), Spec{Dir: t.TempDir(), Script: "job.sh"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
