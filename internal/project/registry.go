// Package project implements the project registry: discovery of
// directories recognized as code projects, validation of project ids,
// and git status/worktree plumbing. Grounded on getfinn-finn's
// internal/git/git.go (os/exec git plumbing) and
// internal/agent/agent_folders.go + agent_git.go (folder bookkeeping),
// generalized from "folders approved through a GUI" to "directories
// discovered by scanning a base path".
package project

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// markerFiles are the well-known files/directories that qualify a
// directory as a recognized project, per spec §4.4.
var markerFiles = []string{
	"package.json",
	"Cargo.toml",
	"go.mod",
	"pyproject.toml",
	"setup.py",
	".git",
	"Makefile",
	"CMakeLists.txt",
	"pom.xml",
	"build.gradle",
}

// ErrInvalidProjectID is returned by ValidateProjectID for any id that
// fails the validation rule.
var ErrInvalidProjectID = errors.New("project: invalid project id")

// ValidateProjectID enforces spec §3: non-empty, no path separators, no
// "..", no null byte. Dotted, dashed, and "a--b" forms are accepted.
func ValidateProjectID(id string) error {
	if id == "" {
		return ErrInvalidProjectID
	}
	if strings.Contains(id, "..") {
		return ErrInvalidProjectID
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return ErrInvalidProjectID
	}
	return nil
}

// WorktreeInfo describes a linked git worktree's relationship to its
// main repository.
type WorktreeInfo struct {
	ParentRepoID     string `json:"parentRepoId"`
	Branch           string `json:"branch"`
	MainWorktreePath string `json:"mainWorktreePath"`
}

// Project is a directory recognized as a code project: the unit of
// conversation and job isolation.
type Project struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Name     string        `json:"name"`
	Worktree *WorktreeInfo `json:"worktree,omitempty"`
}

// Registry discovers and validates projects under a base directory,
// and watches it for additions/removals so the discovery cache stays
// fresh without a full rescan on every request — generalizing
// getfinn-finn's internal/watcher/watcher.go fsnotify loop from
// "watch ~/.claude/projects for session files" to "watch the projects
// base directory for project directories".
type Registry struct {
	baseDir string

	mu    sync.RWMutex
	cache map[string]Project

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates a registry rooted at baseDir and performs an
// initial scan.
func NewRegistry(baseDir string) (*Registry, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}

	r := &Registry{baseDir: abs, cache: make(map[string]Project)}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts an fsnotify watch on the base directory, invalidating
// (rescanning) the cache whenever a child directory is created or
// removed. Callers should defer Close() to release the watcher.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.baseDir); err != nil {
		w.Close()
		return err
	}

	r.watcher = w
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				_ = r.Rescan()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-r.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watch goroutine, if one was started.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	return r.watcher.Close()
}

// Rescan re-walks the base directory and rebuilds the project cache.
func (r *Registry) Rescan() error {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return err
	}

	fresh := make(map[string]Project)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if ValidateProjectID(id) != nil {
			continue
		}
		path := filepath.Join(r.baseDir, id)
		if !hasMarker(path) {
			continue
		}

		proj := Project{ID: id, Path: path, Name: displayName(path, id)}
		if wt, ok := detectWorktree(path); ok {
			proj.Worktree = wt
			if proj.Worktree.Branch != "" {
				proj.Name = proj.Name + " [" + proj.Worktree.Branch + "]"
			}
		}
		fresh[id] = proj
	}

	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()
	return nil
}

// List returns all discovered projects, sorted by id.
func (r *Registry) List() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Project, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up a single project by id, validating the id first so
// callers never need to separately guard against traversal.
func (r *Registry) Get(id string) (Project, bool) {
	if ValidateProjectID(id) != nil {
		return Project{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[id]
	return p, ok
}

// BaseDir returns the registry's root directory.
func (r *Registry) BaseDir() string { return r.baseDir }

func hasMarker(path string) bool {
	for _, marker := range markerFiles {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			return true
		}
	}
	return false
}

// displayName attempts to read a human name from package.json or
// Cargo.toml; falls back to the directory basename.
func displayName(path, fallback string) string {
	if name, ok := readJSONName(filepath.Join(path, "package.json")); ok {
		return name
	}
	if name, ok := readTOMLName(filepath.Join(path, "Cargo.toml")); ok {
		return name
	}
	return fallback
}
