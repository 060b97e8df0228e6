package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

func newTestManager() *Manager {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewManager(hostexec.NewLocal(log), log)
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0644))
	run("add", ".")
	run("commit", "-m", "init")
	return dir
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/home/u/projects/api-worktrees/feat", Path("/home/u/projects", "api", "feat"))
}

func TestIsGitRepo(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	repo := initRepo(t)
	assert.True(t, m.IsGitRepo(ctx, repo))
	assert.False(t, m.IsGitRepo(ctx, t.TempDir()))
}

func TestCreateAndRemove(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	repo := initRepo(t)
	root := t.TempDir()

	wtPath, err := m.Create(ctx, repo, root, "api", "feat")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "api-worktrees", "feat"), wtPath)
	assert.DirExists(t, wtPath)

	branch, err := m.CurrentBranch(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "feat", branch)

	require.NoError(t, m.Remove(ctx, repo, wtPath))
	assert.NoDirExists(t, wtPath)
}

func TestCreateExistingBranch(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	repo := initRepo(t)
	root := t.TempDir()

	cmd := exec.Command("git", "branch", "feat")
	cmd.Dir = repo
	require.NoError(t, cmd.Run())

	wtPath, err := m.Create(ctx, repo, root, "api", "feat")
	require.NoError(t, err)
	assert.DirExists(t, wtPath)
}

func TestCreateNotGitRepo(t *testing.T) {
	m := newTestManager()

	_, err := m.Create(context.Background(), t.TempDir(), t.TempDir(), "api", "feat")
	assert.ErrorIs(t, err, ErrRepoNotGit)
}

func TestBranchesWithPrefix(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	repo := initRepo(t)

	for _, b := range []string{"feat-1", "feat-2", "fix-1"} {
		cmd := exec.Command("git", "branch", b)
		cmd.Dir = repo
		require.NoError(t, cmd.Run())
	}

	branches, err := m.BranchesWithPrefix(ctx, repo, "feat")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"feat-1", "feat-2"}, branches)
}

func TestRemoveAlreadyGone(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	repo := initRepo(t)
	root := t.TempDir()

	wtPath, err := m.Create(ctx, repo, root, "api", "feat")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(wtPath))

	assert.NoError(t, m.Remove(ctx, repo, wtPath))
}
