package main

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"homie/internal/config"
)

func TestRootHasSubcommands(t *testing.T) {
	root := newRoot(&app{})
	for _, name := range []string{"up", "peers", "run", "ps", "kill", "history", "init", "config"} {
		cmd, _, err := root.Find([]string{name})
		assert.NilError(t, err, name)
		assert.Equal(t, cmd.Name(), name)
	}
}

func TestRunCmdFlags(t *testing.T) {
	cmd := runCmd(&app{})
	for _, name := range []string{"peer", "file", "gpu", "image", "wait", "out", "timeout", "score", "min-ram", "min-gpu-mem"} {
		assert.Assert(t, cmd.Flags().Lookup(name) != nil, "missing flag %q", name)
	}
	assert.Check(t, cmd.Args(cmd, nil) != nil)
	assert.NilError(t, cmd.Args(cmd, []string{"train.py", "--epochs", "3"}))
}

func TestKillCmdArgs(t *testing.T) {
	cmd := killCmd(&app{})
	assert.Check(t, cmd.Args(cmd, nil) != nil)
	assert.Check(t, cmd.Args(cmd, []string{"a", "b"}) != nil)
	assert.NilError(t, cmd.Args(cmd, []string{"abc"}))
}

func TestScorerNames(t *testing.T) {
	assert.Equal(t, scorerNames(), "balanced|cpu|ram")
}

func TestMask(t *testing.T) {
	assert.Equal(t, mask(""), "")
	assert.Equal(t, mask("abc"), "***")
	assert.Equal(t, mask("abcdefgh"), "abcd****")
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	root := newRoot(&app{})
	root.SetArgs([]string{"--config", path, "init", "--name", "alice", "--secret", "s3cret", "--sandbox", "process"})
	assert.NilError(t, root.Execute())

	cfg, err := config.Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Name, "alice")
	assert.Equal(t, cfg.GroupSecret, "s3cret")
	assert.Equal(t, cfg.Sandbox, config.SandboxProcess)
}

func TestInitRejectsBadSandbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	root := newRoot(&app{})
	root.SetArgs([]string{"--config", path, "init", "--sandbox", "vm"})
	err := root.Execute()
	assert.Check(t, is.ErrorContains(err, "sandbox"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitCode(3).Error(), "exit status 3")
}
