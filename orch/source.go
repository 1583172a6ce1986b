package orch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// MapSource is an in-memory WorkflowSource. Handy for tests and for callers
// that assemble workflows programmatically.
type MapSource struct {
	mu  sync.RWMutex
	wfs map[string]*Workflow
}

// NewMapSource builds a source over the given workflows, keyed by name.
func NewMapSource(wfs ...*Workflow) *MapSource {
	s := &MapSource{wfs: make(map[string]*Workflow, len(wfs))}
	for _, wf := range wfs {
		s.wfs[wf.Name] = wf
	}
	return s
}

// Add registers or replaces a workflow.
func (s *MapSource) Add(wf *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wfs[wf.Name] = wf
}

// Load implements WorkflowSource.
func (s *MapSource) Load(_ context.Context, name string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.wfs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return wf, nil
}

// DirSource loads workflows from flat YAML documents under a root directory:
// <root>/<name>.yaml. Workflow names may use "/" separators to address
// subdirectories; path escapes outside the root are rejected.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at the given directory.
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// Load implements WorkflowSource.
func (s *DirSource) Load(_ context.Context, name string) (*Workflow, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrUnknownWorkflow, name)
	}
	path := filepath.Join(s.root, filepath.FromSlash(name)+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow %q: %w", name, err)
	}
	wf, err := ParseWorkflow(data)
	if err != nil {
		return nil, err
	}
	if wf.Name != name {
		return nil, fmt.Errorf("workflow file %s declares name %q", path, wf.Name)
	}
	return wf, nil
}
