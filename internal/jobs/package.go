// Package jobs turns a script plus data files into a signed, transferable job
// and materializes it again on the receiving side.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"homie/internal/auth"
	"homie/internal/protocol"
	"homie/pkg/model"
)

// ErrBadJob marks a structurally invalid job (unsafe file names, empty script name).
var ErrBadJob = errors.New("invalid job")

// NewID returns a short random job id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type BuildOptions struct {
	Sender     string
	Args       []string
	ExtraFiles []string
	Image      string
	RequireGPU bool
}

// Build reads the script and extra files from disk. Extra files are keyed by
// base name, like the script itself.
func Build(scriptPath string, opts BuildOptions) (*model.Job, error) {
	code, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	files := make(map[string][]byte, len(opts.ExtraFiles))
	for _, p := range opts.ExtraFiles {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read extra file: %w", err)
		}
		name := filepath.Base(p)
		if _, dup := files[name]; dup || name == filepath.Base(scriptPath) {
			return nil, fmt.Errorf("%w: duplicate file name %q", ErrBadJob, name)
		}
		files[name] = data
	}
	args := opts.Args
	if args == nil {
		args = []string{}
	}
	return &model.Job{
		ID:         NewID(),
		Sender:     opts.Sender,
		Filename:   filepath.Base(scriptPath),
		Code:       code,
		Args:       args,
		Files:      files,
		Image:      opts.Image,
		RequireGPU: opts.RequireGPU,
	}, nil
}

// Sign stamps the job with the current time and its signature.
func Sign(job *model.Job, secret string) {
	job.Timestamp = auth.Now()
	job.Signature = auth.Sign(auth.PurposeJob, job.ID, job.Timestamp, secret)
}

// Verify checks the id format, then the job signature and replay window.
func Verify(job *model.Job, secret string) error {
	if !ValidID(job.ID) {
		return fmt.Errorf("%w: malformed job id", auth.ErrAuth)
	}
	return auth.Verify(auth.PurposeJob, job.ID, job.Timestamp, job.Signature, secret)
}

// ValidID accepts 1..64 characters of [A-Za-z0-9_-].
func ValidID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func Marshal(job *model.Job) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a JobSubmit payload and validates its structure.
func Unmarshal(payload []byte) (*model.Job, error) {
	var job model.Job
	if err := protocol.DecodeJSON(payload, &job); err != nil {
		return nil, err
	}
	if err := Validate(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Validate rejects jobs whose names would escape the scratch directory.
func Validate(job *model.Job) error {
	if !ValidID(job.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrBadJob, job.ID)
	}
	if err := checkName(job.Filename); err != nil {
		return err
	}
	for name := range job.Files {
		if err := checkName(name); err != nil {
			return err
		}
	}
	return nil
}

// checkName accepts relative, clean, non-escaping slash paths.
func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty file name", ErrBadJob)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return fmt.Errorf("%w: absolute file name %q", ErrBadJob, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean != filepath.FromSlash(name) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: unsafe file name %q", ErrBadJob, name)
	}
	return nil
}
