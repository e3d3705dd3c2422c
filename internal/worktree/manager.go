// Package worktree manages isolated git worktrees, one per job.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/calldwell/overseer/internal/executil"
	"github.com/calldwell/overseer/internal/logging"
)

// Worktree is one provisioned checkout.
type Worktree struct {
	Path   string
	Branch string
}

// Status summarizes what `git status` found in a worktree.
type Status struct {
	Staged    int
	Unstaged  int
	Untracked int
}

// Clean reports whether nothing would be lost by removing the worktree.
func (s Status) Clean() bool {
	return s.Staged == 0 && s.Unstaged == 0 && s.Untracked == 0
}

func (s Status) String() string {
	return fmt.Sprintf("%d staged, %d unstaged, %d untracked", s.Staged, s.Unstaged, s.Untracked)
}

// Manager provisions and removes worktrees for a single repository.
type Manager struct {
	repoPath   string
	baseBranch string
	dir        string
}

// NewManager creates a Manager rooted at repoPath. New worktrees are
// checked out from baseBranch into dir.
func NewManager(repoPath, baseBranch, dir string) *Manager {
	return &Manager{repoPath: repoPath, baseBranch: baseBranch, dir: dir}
}

// BranchName derives the branch for a job. The derivation is deterministic
// so two jobs can never race for the same path: distinct job IDs yield
// distinct branches and paths.
func BranchName(jobID string) string {
	return "overseer/job-" + shortID(jobID)
}

// PathFor derives the checkout path for a job.
func (m *Manager) PathFor(jobID string) string {
	return filepath.Join(m.dir, "job-"+shortID(jobID))
}

func shortID(jobID string) string {
	id := strings.ReplaceAll(jobID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Create provisions a new worktree on a fresh branch cut from the base
// branch.
func (m *Manager) Create(ctx context.Context, jobID string) (*Worktree, error) {
	branch := BranchName(jobID)
	path := m.PathFor(jobID)

	cmd, err := executil.GitContext(ctx, m.repoPath, "worktree", "add", "-b", branch, path, m.baseBranch)
	if err != nil {
		return nil, fmt.Errorf("resolve git: %w", err)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}

	logging.Debug("worktree created", "path", path, "branch", branch)
	return &Worktree{Path: path, Branch: branch}, nil
}

// ValidateForRemoval inspects a worktree for staged changes, unstaged
// changes, and untracked files. Removal is safe only when all three are
// zero; removing a worktree with unsaved work is unrecoverable data loss,
// so when in doubt the worktree stays.
func (m *Manager) ValidateForRemoval(ctx context.Context, path string) (bool, string, error) {
	cmd, err := executil.GitContext(ctx, path, "status", "--porcelain=v1")
	if err != nil {
		return false, "", fmt.Errorf("resolve git: %w", err)
	}
	out, err := cmd.Output()
	if err != nil {
		return false, "", fmt.Errorf("git status: %w", err)
	}

	st := ParsePorcelain(string(out))
	if !st.Clean() {
		return false, st.String(), nil
	}
	return true, "", nil
}

// Remove deletes the checkout. The branch is kept: after removal it is the
// only ref to the agent's commits. Call only after ValidateForRemoval
// reported safe.
func (m *Manager) Remove(ctx context.Context, path string) error {
	cmd, err := executil.GitContext(ctx, m.repoPath, "worktree", "remove", path)
	if err != nil {
		return fmt.Errorf("resolve git: %w", err)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, strings.TrimSpace(string(out)))
	}

	logging.Debug("worktree removed", "path", path)
	return nil
}

// ParsePorcelain counts staged, unstaged, and untracked entries in
// `git status --porcelain=v1` output. Each line is "XY path": X is the
// index state, Y the working-tree state, "??" untracked.
func ParsePorcelain(out string) Status {
	var st Status
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' {
			st.Untracked++
			continue
		}
		if x != ' ' {
			st.Staged++
		}
		if y != ' ' {
			st.Unstaged++
		}
	}
	return st
}
