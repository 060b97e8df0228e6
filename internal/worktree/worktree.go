// Package worktree provides Git worktree management for branch-isolated
// agent sessions. All git invocations go through hostexec so worktrees work
// on remote machines as well as locally.
package worktree

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

var (
	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)

// Manager runs git worktree operations on one machine.
type Manager struct {
	exec   hostexec.Executor
	logger *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager over the given executor.
func NewManager(exec hostexec.Executor, log *logger.Logger) *Manager {
	return &Manager{
		exec:      exec,
		logger:    log.WithFields(zap.String("component", "worktree")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	res, err := m.exec.Run(ctx, append([]string{"git"}, args...), nil)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(string(res.Stdout))
	if res.ExitCode != 0 {
		return out, errors.Join(ErrGitCommandFailed, errors.New(strings.TrimSpace(string(res.Stderr))))
	}
	return out, nil
}

// IsGitRepo reports whether dir is inside a git work tree.
func (m *Manager) IsGitRepo(ctx context.Context, dir string) bool {
	out, err := m.git(ctx, "-C", dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch of dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return m.git(ctx, "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// DefaultBranch resolves the repository's default branch, falling back to
// main when origin/HEAD is not set.
func (m *Manager) DefaultBranch(ctx context.Context, repoPath string) string {
	out, err := m.git(ctx, "-C", repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil || out == "" {
		return "main"
	}
	return strings.TrimPrefix(out, "origin/")
}

// BranchesWithPrefix returns local branch names starting with prefix.
func (m *Manager) BranchesWithPrefix(ctx context.Context, repoPath, prefix string) ([]string, error) {
	out, err := m.git(ctx, "-C", repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, b := range strings.Split(out, "\n") {
		if b != "" && strings.HasPrefix(b, prefix) {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// Path returns the worktree directory for a project branch:
// {projectsRoot}/{project}-worktrees/{branch}.
func Path(projectsRoot, project, branch string) string {
	return path.Join(projectsRoot, project+"-worktrees", branch)
}

// Create adds a worktree for branch checked out from the repository's
// default branch, creating the branch if it does not exist. It returns the
// worktree directory.
func (m *Manager) Create(ctx context.Context, repoPath, projectsRoot, project, branch string) (string, error) {
	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if !m.IsGitRepo(ctx, repoPath) {
		return "", ErrRepoNotGit
	}

	wtPath := Path(projectsRoot, project, branch)

	branchExists := false
	if _, err := m.git(ctx, "-C", repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		branchExists = true
	}

	var err error
	if branchExists {
		_, err = m.git(ctx, "-C", repoPath, "worktree", "add", wtPath, branch)
	} else {
		base := m.DefaultBranch(ctx, repoPath)
		_, err = m.git(ctx, "-C", repoPath, "worktree", "add", "-b", branch, wtPath, base)
	}
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("repo", repoPath), zap.String("branch", branch), zap.Error(err))
		return "", err
	}

	m.logger.Info("created worktree",
		zap.String("repo", repoPath), zap.String("branch", branch), zap.String("path", wtPath))
	return wtPath, nil
}

// Remove deletes a worktree directory and prunes the repository's worktree
// metadata. Removal is forced; the room owns the directory exclusively.
func (m *Manager) Remove(ctx context.Context, repoPath, wtPath string) error {
	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.git(ctx, "-C", repoPath, "worktree", "remove", "--force", wtPath); err != nil {
		// The directory may already be gone; prune and clean up what remains.
		m.logger.Warn("git worktree remove failed, forcing cleanup",
			zap.String("path", wtPath), zap.Error(err))
		if _, rmErr := m.exec.Run(ctx, []string{"rm", "-rf", "--", wtPath}, nil); rmErr != nil {
			return rmErr
		}
	}
	_, _ = m.git(ctx, "-C", repoPath, "worktree", "prune")

	m.logger.Info("removed worktree", zap.String("path", wtPath))
	return nil
}

// FetchBase refreshes the default branch from origin, used by recreate.
func (m *Manager) FetchBase(ctx context.Context, repoPath string) error {
	base := m.DefaultBranch(ctx, repoPath)
	_, err := m.git(ctx, "-C", repoPath, "fetch", "origin", base)
	return err
}
