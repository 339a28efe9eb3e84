// Package pdfops performs the local document work of the pipeline: merging
// heterogeneous inputs into one consolidated PDF and splitting it into
// per-page artifacts with stable ordering and content hashes.
package pdfops

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Workspace is a scoped temp directory. Every file the pipeline touches on
// disk lives under one workspace, and Close removes it on all exit paths.
type Workspace struct {
	dir string
}

// NewWorkspace creates a fresh temp directory under baseDir.
func NewWorkspace(baseDir, label string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	dir, err := os.MkdirTemp(baseDir, "intake-"+label+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// Path returns an absolute path for a file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Mkdir creates a subdirectory inside the workspace.
func (w *Workspace) Mkdir(name string) (string, error) {
	dir := filepath.Join(w.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return dir, nil
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() {
	if w == nil || w.dir == "" {
		return
	}
	if err := os.RemoveAll(w.dir); err != nil {
		log.WithField("dir", w.dir).WithError(err).Warn("workspace cleanup failed")
	}
	w.dir = ""
}
