// Package gitworkspace isolates each spec's work in a dedicated git branch
// or worktree, and manages commit/push/PR/cleanup around a spec run
// (SPEC_FULL.md §4.6). Read-only queries use go-git; worktree porcelain and
// PR creation shell out to the git and gh CLIs since go-git exposes neither.
package gitworkspace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
	"github.com/ariel-frischer/specforge/internal/model"
)

// Snapshot captures working-tree state at a point in time, used to reset
// after a failed or cancelled chunk (SPEC_FULL.md §4.1 Cancellation, §4.6)
// and to detect what the Validate stage's diff found changed.
type Snapshot struct {
	HeadHash string
	Files    map[string]string // path -> sha256 content hash, for tracked+untracked files present at snapshot time
}

// CommitResult is the outcome of Commit.
type CommitResult struct {
	Hash         string
	FilesChanged []string
}

// PRResult is the outcome of OpenPR.
type PRResult struct {
	Number int
	URL    string
}

// Workspace manages one spec's GitState for its entire run.
type Workspace struct {
	projectDir   string
	worktreeRoot string // <projectDir>/../.worktrees
	baseBranch   string
	ghPath       string
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithBaseBranch overrides the default "main" base branch.
func WithBaseBranch(branch string) Option {
	return func(w *Workspace) { w.baseBranch = branch }
}

// WithGHPath overrides the default "gh" PR-provider CLI path.
func WithGHPath(path string) Option {
	return func(w *Workspace) { w.ghPath = path }
}

// New creates a Workspace rooted at projectDir.
func New(projectDir string, opts ...Option) *Workspace {
	w := &Workspace{
		projectDir:   projectDir,
		worktreeRoot: filepath.Join(filepath.Dir(projectDir), ".worktrees"),
		baseBranch:   "main",
		ghPath:       "gh",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// SlugifyTitle produces the branch-safe slug used in spec branch names,
// truncated to maxLen.
func SlugifyTitle(title string, maxLen int) string {
	s := slugRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "spec"
	}
	if len(s) > maxLen {
		s = strings.Trim(s[:maxLen], "-")
	}
	return s
}

// BranchName computes spec/<slug(title, max 40)>-<first 7 of specId>.
func BranchName(specID, title string) string {
	short := specID
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("spec/%s-%s", SlugifyTitle(title, 40), short)
}

// Init establishes (or adopts) the spec's GitState. If projectDir is not a
// git repository, it returns a disabled GitState and no error: pipelines
// proceed without commits.
func (w *Workspace) Init(ctx context.Context, specID, title string) (*model.GitState, error) {
	if !w.isGitRepo() {
		return &model.GitState{Enabled: false}, nil
	}

	branch := BranchName(specID, title)
	worktreePath := filepath.Join(w.worktreeRoot, specID)

	state := &model.GitState{
		Enabled:    true,
		SpecBranch: branch,
		BaseBranch: w.baseBranch,
		IsWorktree: true,
		WorkingDir: worktreePath,
	}

	if orig, err := w.currentBranch(); err == nil {
		state.OriginalBranch = orig
	}

	if w.worktreeExists(worktreePath) {
		return state, nil
	}

	if err := w.runGit(ctx, w.projectDir, "worktree", "add", "-b", branch, worktreePath, w.baseBranch); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "creating worktree for spec "+specID)
	}
	return state, nil
}

func (w *Workspace) worktreeExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (w *Workspace) isGitRepo() bool {
	_, err := git.PlainOpenWithOptions(w.projectDir, &git.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

func (w *Workspace) currentBranch() (string, error) {
	repo, err := git.PlainOpenWithOptions(w.projectDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// Snapshot records HEAD and the full tracked+untracked file set of state.WorkingDir.
func (w *Workspace) Snapshot(ctx context.Context, state *model.GitState) (*Snapshot, error) {
	if !state.Enabled {
		return &Snapshot{}, nil
	}
	head, err := w.revParse(ctx, state.WorkingDir, "HEAD")
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "resolving HEAD for snapshot")
	}
	files, err := w.listAllFiles(ctx, state.WorkingDir)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "listing files for snapshot")
	}
	hashes := make(map[string]string, len(files))
	for _, f := range files {
		h, err := hashFile(filepath.Join(state.WorkingDir, f))
		if err != nil {
			continue // raced with a delete/rename between listing and reading; treat as absent
		}
		hashes[f] = h
	}
	return &Snapshot{HeadHash: head, Files: hashes}, nil
}

// hashFile returns the sha256 of path's contents, hex-encoded.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Reset discards working-tree changes and untracked files not present in snap.
func (w *Workspace) Reset(ctx context.Context, state *model.GitState, snap *Snapshot) error {
	if !state.Enabled {
		return nil
	}
	if err := w.runGit(ctx, state.WorkingDir, "reset", "--hard", snap.HeadHash); err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "resetting to snapshot")
	}
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--others", "--exclude-standard")
	cmd.Dir = state.WorkingDir
	out, err := cmd.Output()
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "listing untracked files")
	}
	for _, f := range splitNonEmptyLines(string(out)) {
		if _, keep := snap.Files[f]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(state.WorkingDir, f)); err != nil && !os.IsNotExist(err) {
			return coreerrors.Wrap(coreerrors.KindTransient, err, "removing untracked file "+f)
		}
	}
	return nil
}

// Commit stages all changes and creates a commit. Returns an empty result
// (zero hash) if nothing was staged.
func (w *Workspace) Commit(ctx context.Context, state *model.GitState, message string) (*CommitResult, error) {
	if !state.Enabled {
		return &CommitResult{}, nil
	}

	if err := w.runGit(ctx, state.WorkingDir, "add", "-A"); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "staging changes")
	}

	changed, err := w.stagedFiles(ctx, state.WorkingDir)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "listing staged files")
	}
	if len(changed) == 0 {
		return &CommitResult{}, nil
	}

	if err := w.runGit(ctx, state.WorkingDir, "commit", "-m", message); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "creating commit")
	}

	hash, err := w.revParse(ctx, state.WorkingDir, "HEAD")
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "resolving new commit hash")
	}

	return &CommitResult{Hash: hash, FilesChanged: changed}, nil
}

// Diff returns the textual diff between base and the working directory's
// HEAD, used by the sequencer's final-review pass to evaluate the
// accumulated change set rather than one chunk's output.
func (w *Workspace) Diff(ctx context.Context, state *model.GitState, base string) (string, error) {
	if !state.Enabled {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "git", "diff", base+"..HEAD")
	cmd.Dir = state.WorkingDir
	out, err := cmd.Output()
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.KindTransient, err, "diffing "+base+"..HEAD")
	}
	return string(out), nil
}

// Push pushes the spec branch with upstream tracking.
func (w *Workspace) Push(ctx context.Context, state *model.GitState) error {
	if !state.Enabled {
		return nil
	}
	if err := w.runGit(ctx, state.WorkingDir, "push", "--set-upstream", "origin", state.SpecBranch); err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "pushing spec branch "+state.SpecBranch)
	}
	return nil
}

// OpenPR invokes the gh CLI. Provider absence or auth failure is reported as
// a non-fatal error leaving commits/push intact.
func (w *Workspace) OpenPR(ctx context.Context, state *model.GitState, title, body string) (*PRResult, error) {
	if !state.Enabled {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, w.ghPath, "pr", "create",
		"--title", title, "--body", body, "--base", state.BaseBranch, "--head", state.SpecBranch)
	cmd.Dir = state.WorkingDir
	var out, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &stderr
	if err := cmd.Run(); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "gh pr create: "+stderr.String())
	}
	url := strings.TrimSpace(out.String())
	return &PRResult{URL: url, Number: parsePRNumber(url)}, nil
}

func parsePRNumber(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// Cleanup is always safe to call. In worktree mode it does not remove the
// worktree on success (still needed for PR updates); on failure with zero
// commits, the worktree is removed. Idempotent.
func (w *Workspace) Cleanup(ctx context.Context, state *model.GitState, hadCommits bool) error {
	if !state.Enabled || !state.IsWorktree {
		return nil
	}
	if hadCommits {
		return nil
	}
	if err := w.runGit(ctx, w.projectDir, "worktree", "remove", "--force", state.WorkingDir); err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "removing worktree "+state.WorkingDir)
	}
	return nil
}

// WorktreeInfo describes one worktree found by a scan.
type WorktreeInfo struct {
	SpecID string
	Path   string
	Age    time.Duration
}

// ScanOrphans lists worktrees under the worktree root with no corresponding
// entry in liveSpecIDs.
func (w *Workspace) ScanOrphans(ctx context.Context, liveSpecIDs map[string]struct{}) ([]WorktreeInfo, error) {
	entries, err := os.ReadDir(w.worktreeRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "reading worktree root")
	}
	var orphans []WorktreeInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, live := liveSpecIDs[e.Name()]; live {
			continue
		}
		info, err := e.Info()
		age := time.Duration(0)
		if err == nil {
			age = time.Since(info.ModTime())
		}
		orphans = append(orphans, WorktreeInfo{SpecID: e.Name(), Path: filepath.Join(w.worktreeRoot, e.Name()), Age: age})
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].SpecID < orphans[j].SpecID })
	return orphans, nil
}

// ScanStale lists worktrees older than maxAge whose spec is not in mergedSpecIDs.
func (w *Workspace) ScanStale(ctx context.Context, maxAge time.Duration, mergedSpecIDs map[string]struct{}) ([]WorktreeInfo, error) {
	entries, err := os.ReadDir(w.worktreeRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "reading worktree root")
	}
	var stale []WorktreeInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, merged := mergedSpecIDs[e.Name()]; merged {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := time.Since(info.ModTime())
		if age > maxAge {
			stale = append(stale, WorktreeInfo{SpecID: e.Name(), Path: filepath.Join(w.worktreeRoot, e.Name()), Age: age})
		}
	}
	return stale, nil
}

// RemoveWorktree force-removes a worktree located at path.
func (w *Workspace) RemoveWorktree(ctx context.Context, path string) error {
	if err := w.runGit(ctx, w.projectDir, "worktree", "remove", "--force", path); err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "removing worktree "+path)
	}
	return nil
}

func (w *Workspace) runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func (w *Workspace) revParse(ctx context.Context, dir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", rev)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (w *Workspace) listAllFiles(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(string(out)), nil
}

func (w *Workspace) stagedFiles(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--name-only")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(string(out)), nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
