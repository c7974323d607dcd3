package gitworkspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")
}

func TestSlugifyTitle(t *testing.T) {
	got := SlugifyTitle("Add Login Flow!! With OAuth", 40)
	require.Equal(t, "add-login-flow-with-oauth", got)
}

func TestBranchName(t *testing.T) {
	got := BranchName("abcdefgh-1234", "Add Login Flow")
	require.Equal(t, "spec/add-login-flow-abcdefg", got)
}

func TestInitDisabledOutsideGitRepo(t *testing.T) {
	dir := t.TempDir()
	ws := New(dir)
	state, err := ws.Init(context.Background(), "spec-1", "My Spec")
	require.NoError(t, err)
	require.False(t, state.Enabled)
}

func TestInitCreatesWorktreeAndCommitFlow(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	ws := New(dir, WithBaseBranch("main"))
	state, err := ws.Init(context.Background(), "spec-1", "Add Login Flow")
	require.NoError(t, err)
	require.True(t, state.Enabled)
	require.True(t, state.IsWorktree)
	require.DirExists(t, state.WorkingDir)

	require.NoError(t, os.WriteFile(filepath.Join(state.WorkingDir, "feature.go"), []byte("package main\n"), 0o644))

	result, err := ws.Commit(context.Background(), state, "feat(spec-1): add feature.go")
	require.NoError(t, err)
	require.NotEmpty(t, result.Hash)
	require.Contains(t, result.FilesChanged, "feature.go")

	empty, err := ws.Commit(context.Background(), state, "feat(spec-1): no-op")
	require.NoError(t, err)
	require.Empty(t, empty.Hash)

	require.NoError(t, ws.Cleanup(context.Background(), state, true))
	require.DirExists(t, state.WorkingDir)
}

func TestCleanupRemovesWorktreeWhenNoCommits(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	ws := New(dir)
	state, err := ws.Init(context.Background(), "spec-2", "Another Spec")
	require.NoError(t, err)

	require.NoError(t, ws.Cleanup(context.Background(), state, false))
	require.NoDirExists(t, state.WorkingDir)
}

func TestScanOrphans(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	ws := New(dir)
	state, err := ws.Init(context.Background(), "spec-3", "Orphan Candidate")
	require.NoError(t, err)
	require.True(t, state.Enabled)

	orphans, err := ws.ScanOrphans(context.Background(), map[string]struct{}{})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "spec-3", orphans[0].SpecID)
}
