// Package sandbox abstracts the isolated execution environment a job runs in.
package sandbox

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnavailable wraps every failure to create or start an environment.
var ErrUnavailable = errors.New("sandbox unavailable")

// Limits bound one execution environment.
type Limits struct {
	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64
	Timeout     time.Duration
}

// Spec describes one job execution.
type Spec struct {
	JobID  string
	Dir    string // host scratch directory, mounted as the working directory
	Script string // target filename inside Dir
	Args   []string
	Image  string
	GPU    bool
	Limits Limits
}

// Sandbox creates execution environments.
type Sandbox interface {
	Name() string
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Process is a started environment. Stdout and Stderr reach EOF once the
// program and everything it spawned have exited. Destroy releases every
// resource and is safe to call more than once and after Kill.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait(ctx context.Context) (int, error)
	Kill(ctx context.Context) error
	Destroy(ctx context.Context) error
}

var interpreters = map[string][]string{
	".py":  {"python"},
	".js":  {"node"},
	".sh":  {"sh"},
	".rb":  {"ruby"},
	".pl":  {"perl"},
	".php": {"php"},
}

// Command picks the interpreter by file extension (python when unknown) and
// appends the job's arguments in order.
func Command(filename string, args []string) []string {
	interp, ok := interpreters[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		interp = []string{"python"}
	}
	cmd := make([]string, 0, len(interp)+1+len(args))
	cmd = append(cmd, interp...)
	cmd = append(cmd, filename)
	return append(cmd, args...)
}
