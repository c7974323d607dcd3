package sequencer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/pipeline"
	"github.com/ariel-frischer/specforge/internal/repository"
	"github.com/ariel-frischer/specforge/internal/repository/memstore"
)

// fakeGit is a minimal GitWorkspace test double.
type fakeGit struct {
	state      *model.GitState
	initErr    error
	pushed     bool
	prResult   *gitworkspace.PRResult
	diffText   string
	cleanedUp  bool
	hadCommits bool
}

func (f *fakeGit) Init(ctx context.Context, specID, title string) (*model.GitState, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.state == nil {
		f.state = &model.GitState{Enabled: true, WorkingDir: "/tmp/fake", IsWorktree: true, BaseBranch: "main"}
	}
	return f.state, nil
}

func (f *fakeGit) Push(ctx context.Context, state *model.GitState) error {
	f.pushed = true
	return nil
}

func (f *fakeGit) OpenPR(ctx context.Context, state *model.GitState, title, body string) (*gitworkspace.PRResult, error) {
	return f.prResult, nil
}

func (f *fakeGit) Cleanup(ctx context.Context, state *model.GitState, hadCommits bool) error {
	f.cleanedUp = true
	f.hadCommits = hadCommits
	return nil
}

func (f *fakeGit) Diff(ctx context.Context, state *model.GitState, base string) (string, error) {
	return f.diffText, nil
}

// fakeRunner is a minimal ChunkRunner test double driven by per-chunk-id
// outcome scripts.
type fakeRunner struct {
	outcomes     map[string]pipeline.Outcome
	defaultOut   pipeline.Outcome
	reviewStatus model.ReviewStatus
	reviewCalls  int
}

func (f *fakeRunner) Run(ctx context.Context, state *model.GitState, chunk *model.Chunk, sink pipeline.Sink) pipeline.Outcome {
	if out, ok := f.outcomes[chunk.ID]; ok {
		return out
	}
	return f.defaultOut
}

func (f *fakeRunner) Review(ctx context.Context, chunk *model.Chunk, output string) (*pipeline.ReviewResult, error) {
	f.reviewCalls++
	return &pipeline.ReviewResult{Status: f.reviewStatus}, nil
}

func setupSpec(t *testing.T, repo repository.Repository) *model.Spec {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateProject(ctx, &model.Project{ID: "proj-1", Dir: "/tmp/proj"}))
	spec := &model.Spec{ID: "spec-1", ProjectID: "proj-1", Title: "Add login"}
	require.NoError(t, repo.CreateSpec(ctx, spec))
	return spec
}

func TestRunSequentialHappyPath(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	c2 := &model.Chunk{ID: "c2", SpecID: spec.ID, Title: "Second", DependsOn: []string{"c1"}}
	require.NoError(t, repo.CreateChunk(ctx, c1))
	require.NoError(t, repo.CreateChunk(ctx, c2))

	runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{
		"c1": {ChunkStatus: model.ChunkCompleted, CommitHash: "aaa"},
		"c2": {ChunkStatus: model.ChunkCompleted, CommitHash: "bbb"},
	}}
	git := &fakeGit{}
	seq := New(repo, runner, git, DefaultPolicy())

	var events []Event
	status := seq.Run(ctx, spec, func(e Event) { events = append(events, e) })

	require.Equal(t, model.SpecCompleted, status)
	got1, err := repo.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkCompleted, got1.Status)
	got2, err := repo.GetChunk(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkCompleted, got2.Status)
	assert.True(t, git.cleanedUp)
	assert.True(t, git.pushed, "DefaultPolicy must push+open a PR once a spec completes with commits")
}

func TestRunSkipsChunksBlockedByFailedDependency(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	c2 := &model.Chunk{ID: "c2", SpecID: spec.ID, Title: "Second", DependsOn: []string{"c1"}}
	require.NoError(t, repo.CreateChunk(ctx, c1))
	require.NoError(t, repo.CreateChunk(ctx, c2))

	runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{
		"c1": {ChunkStatus: model.ChunkFailed, Error: "boom"},
	}}
	git := &fakeGit{}
	seq := New(repo, runner, git, DefaultPolicy())

	var blocked bool
	status := seq.Run(ctx, spec, func(e Event) {
		if e.Type == EventDependencyBlocked {
			blocked = true
		}
	})

	require.Equal(t, model.SpecFailed, status)
	assert.True(t, blocked)
	got2, err := repo.GetChunk(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkSkipped, got2.Status)
}

func TestRunNeedsFixLineageConvergesToCompleted(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	require.NoError(t, repo.CreateChunk(ctx, c1))
	fix, err := repo.InsertFixChunk(ctx, "c1", repository.FixChunkInput{Title: "Fix it"})
	require.NoError(t, err)

	runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{
		"c1":    {ChunkStatus: model.ChunkNeedsFix, FixChunkID: fix.ID},
		fix.ID:  {ChunkStatus: model.ChunkCompleted, CommitHash: "ccc"},
	}}
	git := &fakeGit{}
	seq := New(repo, runner, git, DefaultPolicy())

	status := seq.Run(ctx, spec, nil)
	require.Equal(t, model.SpecCompleted, status)
}

func TestRunLineageExhaustsIterationsAndFails(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	require.NoError(t, repo.CreateChunk(ctx, c1))

	runner := &fakeRunner{defaultOut: pipeline.Outcome{ChunkStatus: model.ChunkNeedsFix, FixChunkID: "c1"}}
	git := &fakeGit{}
	policy := DefaultPolicy()
	policy.MaxIterations = 2
	seq := New(repo, runner, git, policy)

	status := seq.Run(ctx, spec, nil)
	require.Equal(t, model.SpecFailed, status)
	got, err := repo.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkFailed, got.Status)
}

func TestRunFailFastAbortsRemainingChunks(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	require.NoError(t, repo.CreateChunk(ctx, c1))

	runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{
		"c1": {ChunkStatus: model.ChunkFailed, Error: "boom"},
	}}
	git := &fakeGit{}
	policy := DefaultPolicy()
	policy.FailFast = true
	seq := New(repo, runner, git, policy)

	status := seq.Run(ctx, spec, nil)
	assert.Equal(t, model.SpecFailed, status)
}

func TestReadySetPartitionsChunks(t *testing.T) {
	chunks := []*model.Chunk{
		{ID: "a", Status: model.ChunkCompleted},
		{ID: "b", Status: model.ChunkPending, DependsOn: []string{"a"}},
		{ID: "c", Status: model.ChunkPending, DependsOn: []string{"missing"}},
		{ID: "d", Status: model.ChunkPending},
	}
	ready, blocked, allDone := readySet(chunks)
	assert.False(t, allDone)

	var readyIDs, blockedIDs []string
	for _, c := range ready {
		readyIDs = append(readyIDs, c.ID)
	}
	for _, c := range blocked {
		blockedIDs = append(blockedIDs, c.ID)
	}
	assert.ElementsMatch(t, []string{"b", "d"}, readyIDs)
	assert.ElementsMatch(t, []string{"c"}, blockedIDs)
}

func TestRunPushesAndOpensPROnCommits(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	require.NoError(t, repo.CreateChunk(ctx, c1))

	runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{
		"c1": {ChunkStatus: model.ChunkCompleted, CommitHash: "aaa"},
	}}
	git := &fakeGit{prResult: &gitworkspace.PRResult{Number: 7, URL: "https://example/pr/7"}}
	policy := DefaultPolicy()
	policy.PushAndOpenPR = true
	seq := New(repo, runner, git, policy)

	var prEvent *Event
	seq.Run(ctx, spec, func(e Event) {
		if e.Type == EventPRCreated {
			ev := e
			prEvent = &ev
		}
	})

	require.True(t, git.pushed)
	require.NotNil(t, prEvent)
	assert.Equal(t, 7, prEvent.PRNumber)
}

func TestRunFinalReviewForcesAcceptAfterMaxPasses(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	require.NoError(t, repo.CreateChunk(ctx, c1))

	runner := &fakeRunner{
		outcomes:     map[string]pipeline.Outcome{"c1": {ChunkStatus: model.ChunkCompleted, CommitHash: "aaa"}},
		reviewStatus: model.ReviewNeedsFix,
	}
	git := &fakeGit{}
	policy := DefaultPolicy()
	policy.FinalReviewEnabled = true
	policy.FinalReviewMaxPasses = 2
	seq := New(repo, runner, git, policy)

	var forced bool
	seq.Run(ctx, spec, func(e Event) {
		if e.Type == EventFinalReviewPass && e.Message != "" {
			forced = true
		}
	})

	assert.True(t, forced)
	assert.Equal(t, 2, runner.reviewCalls)
}

func TestRunPersistsSpecStatus(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	c1 := &model.Chunk{ID: "c1", SpecID: spec.ID, Title: "First"}
	require.NoError(t, repo.CreateChunk(ctx, c1))

	runner := &fakeRunner{defaultOut: pipeline.Outcome{ChunkStatus: model.ChunkCompleted, CommitHash: "aaa"}}
	seq := New(repo, runner, &fakeGit{}, DefaultPolicy())

	status := seq.Run(ctx, spec, nil)
	require.Equal(t, model.SpecCompleted, status)

	got, err := repo.GetSpec(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecCompleted, got.Status)
}

func TestRunPersistsFailedSpecStatusOnGitInitError(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	spec := setupSpec(t, repo)

	seq := New(repo, &fakeRunner{}, &fakeGit{initErr: assert.AnError}, DefaultPolicy())

	status := seq.Run(ctx, spec, nil)
	require.Equal(t, model.SpecFailed, status)

	got, err := repo.GetSpec(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecFailed, got.Status)
}
