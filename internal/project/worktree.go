package project

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// detectWorktree inspects path's .git entry: if it is a regular file
// (not a directory), this is a linked worktree. The file contains a
// single "gitdir: <path>" line pointing at the real .git metadata
// directory inside the main repository, per spec §4.4.
func detectWorktree(path string) (*WorktreeInfo, bool) {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || info.IsDir() {
		return nil, false
	}

	gitdir, ok := readGitdirLine(gitPath)
	if !ok {
		return nil, false
	}

	mainPath := mainRepoFromGitdir(gitdir)
	if mainPath == "" {
		return nil, false
	}

	branch, _ := currentBranch(path)

	return &WorktreeInfo{
		ParentRepoID:     filepath.Base(mainPath),
		Branch:           branch,
		MainWorktreePath: mainPath,
	}, true
}

func readGitdirLine(gitFilePath string) (string, bool) {
	f, err := os.Open(gitFilePath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "gitdir:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "gitdir:")), true
		}
	}
	return "", false
}

// mainRepoFromGitdir walks up from a linked worktree's gitdir
// (".../main/.git/worktrees/<name>") to the main repository's working
// directory (the parent of its ".git").
func mainRepoFromGitdir(gitdir string) string {
	// gitdir looks like <main>/.git/worktrees/<name>
	worktrees := filepath.Dir(gitdir) // <main>/.git/worktrees
	dotGit := filepath.Dir(worktrees) // <main>/.git
	if filepath.Base(dotGit) != ".git" {
		return ""
	}
	return filepath.Dir(dotGit)
}

func currentBranch(path string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
