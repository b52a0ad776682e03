package project

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FileStatus is one porcelain-format changed file.
type FileStatus struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// GitStatus is the response shape for GET /api/projects/{id}/git.
type GitStatus struct {
	Branch        string       `json:"branch"`
	IsDirty       bool         `json:"isDirty"`
	ChangedFiles  int          `json:"changedFiles"`
	Files         []FileStatus `json:"files"`
	Ahead         int          `json:"ahead"`
	Behind        int          `json:"behind"`
	IsWorktree    bool         `json:"isWorktree"`
	ParentRepoID  string       `json:"parentRepoId,omitempty"`
	Branches      []string     `json:"branches"`
	RecentCommits []CommitInfo `json:"recentCommits,omitempty"`
}

// CommitInfo is a summarized git commit, surfaced additively on the git
// status response (see SPEC_FULL.md §4.4) grounded on getfinn-finn's
// internal/git/git.go GetCommits/parseGitLog.
type CommitInfo struct {
	Hash      string `json:"hash"`
	Subject   string `json:"subject"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// Status runs the set of git plumbing commands needed to answer
// spec §4.4's git-status endpoint for proj.
func Status(proj Project) (GitStatus, error) {
	status := GitStatus{IsWorktree: proj.Worktree != nil}
	if proj.Worktree != nil {
		status.ParentRepoID = proj.Worktree.ParentRepoID
		status.Branch = proj.Worktree.Branch
	}

	branch, err := currentBranch(proj.Path)
	if err == nil {
		status.Branch = branch
	}

	porcelain, err := runGit(proj.Path, "status", "--porcelain")
	if err != nil {
		return GitStatus{}, fmt.Errorf("project: git status: %w", err)
	}
	for _, line := range strings.Split(porcelain, "\n") {
		if line == "" {
			continue
		}
		if len(line) < 4 {
			continue
		}
		status.Files = append(status.Files, FileStatus{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	status.ChangedFiles = len(status.Files)
	status.IsDirty = status.ChangedFiles > 0

	ahead, behind := aheadBehind(proj.Path)
	status.Ahead = ahead
	status.Behind = behind

	status.Branches = localBranches(proj.Path)
	status.RecentCommits = recentCommits(proj.Path, 20)

	return status, nil
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
		}
		return "", err
	}
	return string(out), nil
}

func aheadBehind(dir string) (ahead, behind int) {
	out, err := runGit(dir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0
	}
	ahead, _ = strconv.Atoi(fields[0])
	behind, _ = strconv.Atoi(fields[1])
	return ahead, behind
}

func localBranches(dir string) []string {
	out, err := runGit(dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches
}

func recentCommits(dir string, limit int) []CommitInfo {
	out, err := runGit(dir, "log", fmt.Sprintf("-%d", limit), "--format=%h|%s|%an|%at")
	if err != nil {
		return nil
	}
	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		ts, _ := strconv.ParseInt(parts[3], 10, 64)
		commits = append(commits, CommitInfo{
			Hash:      parts[0],
			Subject:   parts[1],
			Author:    parts[2],
			Timestamp: ts,
		})
	}
	return commits
}

// WorktreeEntry is one row in the worktrees listing.
type WorktreeEntry struct {
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	IsCurrent bool   `json:"isCurrent"`
}

// ListWorktrees parses `git worktree list --porcelain` for proj's
// repository.
func ListWorktrees(proj Project) ([]WorktreeEntry, error) {
	out, err := runGit(proj.Path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("project: list worktrees: %w", err)
	}

	var entries []WorktreeEntry
	var cur WorktreeEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				entries = append(entries, cur)
			}
			cur = WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		entries = append(entries, cur)
	}
	for i := range entries {
		entries[i].IsCurrent = entries[i].Path == proj.Path
	}
	return entries, nil
}

// safeBranchDir sanitizes a branch name for use as a directory
// component: "/" becomes "-", per spec §4.4.
func safeBranchDir(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

// CreateWorktree adds a linked worktree for branch off of parent,
// targeting "{parentID}--{safeBranch}" under the registry's base
// directory. Fails if that directory already exists.
func (r *Registry) CreateWorktree(parent Project, branch string) (Project, error) {
	safe := safeBranchDir(branch)
	targetDir := filepath.Join(r.baseDir, parent.ID+"--"+safe)

	if _, err := exec.LookPath("git"); err != nil {
		return Project{}, fmt.Errorf("project: git not found: %w", err)
	}
	if dirExists(targetDir) {
		return Project{}, fmt.Errorf("project: worktree target %s already exists", targetDir)
	}

	branches := localBranches(parent.Path)
	existsLocally := containsString(branches, branch)
	existsOnOrigin := remoteBranchExists(parent.Path, branch)

	var args []string
	if existsLocally || existsOnOrigin {
		args = []string{"worktree", "add", targetDir, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, targetDir}
	}

	if _, err := runGit(parent.Path, args...); err != nil {
		return Project{}, fmt.Errorf("project: git worktree add: %w", err)
	}

	if err := r.Rescan(); err != nil {
		return Project{}, err
	}

	id := parent.ID + "--" + safe
	proj, ok := r.Get(id)
	if !ok {
		return Project{}, fmt.Errorf("project: worktree %s not found after creation", id)
	}
	return proj, nil
}

// RemoveWorktree removes a linked-worktree project. Only valid for
// projects that are themselves linked worktrees.
func (r *Registry) RemoveWorktree(proj Project) error {
	if proj.Worktree == nil {
		return fmt.Errorf("project: %s is not a linked worktree", proj.ID)
	}
	if _, err := runGit(proj.Worktree.MainWorktreePath, "worktree", "remove", "--force", proj.Path); err != nil {
		return fmt.Errorf("project: git worktree remove: %w", err)
	}
	return r.Rescan()
}

func remoteBranchExists(dir, branch string) bool {
	out, err := runGit(dir, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
