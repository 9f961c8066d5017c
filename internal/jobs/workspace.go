package jobs

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"homie/pkg/model"
)

// Workspace is a job's exclusively owned scratch directory.
type Workspace struct {
	Dir string
}

// NewWorkspace creates an empty scratch directory under base (os.TempDir when empty).
// The directory is world-writable so a sandbox running as a non-root uid can
// create result files in it.
func NewWorkspace(base, jobID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, "homie-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Materialize writes the script and every extra file into the workspace.
func (w *Workspace) Materialize(job *model.Job) error {
	if err := Validate(job); err != nil {
		return err
	}
	if err := w.write(job.Filename, job.Code); err != nil {
		return err
	}
	for name, data := range job.Files {
		if err := w.write(name, data); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) write(name string, data []byte) error {
	p := filepath.Join(w.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	if err := os.WriteFile(p, data, 0o666); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Collect returns files produced by the job: regular files that were not inputs
// and whose slash-separated relative path matches one of globs (all files when
// globs is empty). Collection stops with an error once limit bytes are exceeded.
func (w *Workspace) Collect(job *model.Job, globs []string, limit int64) (map[string][]byte, error) {
	inputs := job.InputNames()
	var names []string
	err := filepath.WalkDir(w.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(w.Dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, isInput := inputs[rel]; isInput || !matchAny(globs, rel) {
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	sort.Strings(names)

	out := make(map[string][]byte, len(names))
	var total int64
	for _, rel := range names {
		data, err := os.ReadFile(filepath.Join(w.Dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read result %s: %w", rel, err)
		}
		total += int64(len(data))
		if limit > 0 && total > limit {
			return nil, fmt.Errorf("result files exceed %d bytes", limit)
		}
		out[rel] = data
	}
	return out, nil
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

func matchAny(globs []string, rel string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
		if ok, _ := path.Match(g, path.Base(rel)); ok {
			return true
		}
	}
	return false
}
