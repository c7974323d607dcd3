package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariel-frischer/specforge/internal/executor"
	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/repository/memstore"
	"github.com/ariel-frischer/specforge/internal/reviewer"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeExec is a minimal ExecClient test double driving one canned exchange.
type fakeExec struct {
	sessionID string
	events    []executor.Event
	history   *executor.MessageHistory
}

func (f *fakeExec) CreateSession(ctx context.Context, dir, title string) (string, error) {
	return f.sessionID, nil
}

func (f *fakeExec) SendPrompt(ctx context.Context, sessionID, dir string, req executor.PromptRequest) error {
	return nil
}

func (f *fakeExec) AbortSession(ctx context.Context, sessionID string) error { return nil }
func (f *fakeExec) DeleteSession(ctx context.Context, sessionID string) error { return nil }

func (f *fakeExec) Subscribe(ctx context.Context, sessionID string) <-chan executor.Event {
	ch := make(chan executor.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	return ch
}

func (f *fakeExec) GetMessageHistory(ctx context.Context, sessionID string) (*executor.MessageHistory, error) {
	return f.history, nil
}

// fakeReviewer is a minimal RevClient returning a canned verdict.
type fakeReviewer struct {
	output string
	err    error
}

func (f *fakeReviewer) Execute(ctx context.Context, prompt string, opts reviewer.Options) (*reviewer.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &reviewer.Result{Output: f.output, Success: true}, nil
}

// fakeGit is a minimal GitWorkspace test double that never commits for real.
type fakeGit struct {
	commitHash string
	snapSeq    []*gitworkspace.Snapshot
	idx        int
}

func (f *fakeGit) Snapshot(ctx context.Context, state *model.GitState) (*gitworkspace.Snapshot, error) {
	if f.idx >= len(f.snapSeq) {
		return f.snapSeq[len(f.snapSeq)-1], nil
	}
	s := f.snapSeq[f.idx]
	f.idx++
	return s, nil
}

func (f *fakeGit) Reset(ctx context.Context, state *model.GitState, snap *gitworkspace.Snapshot) error {
	return nil
}

func (f *fakeGit) Commit(ctx context.Context, state *model.GitState, message string) (*gitworkspace.CommitResult, error) {
	if f.commitHash == "" {
		return &gitworkspace.CommitResult{}, nil
	}
	return &gitworkspace.CommitResult{Hash: f.commitHash, FilesChanged: []string{"feature.go"}}, nil
}

func testState() *model.GitState {
	return &model.GitState{Enabled: true, WorkingDir: "/tmp/fake", IsWorktree: true}
}

func TestRunHappyPathCommits(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	require.NoError(t, repo.CreateProject(ctx, &model.Project{ID: "proj-1", Dir: "/tmp/proj"}))
	require.NoError(t, repo.CreateSpec(ctx, &model.Spec{ID: "spec-1", ProjectID: "proj-1"}))
	chunk := &model.Chunk{ID: "chunk-1", SpecID: "spec-1", Title: "Add login flow", Description: "implement login"}
	require.NoError(t, repo.CreateChunk(ctx, chunk))

	before := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{}}
	after := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{"feature.go": "h1"}}

	exec := &fakeExec{
		sessionID: "sess-1",
		events: []executor.Event{
			{SessionID: "sess-1", Type: executor.EventText, Text: "working on it"},
			{SessionID: "sess-1", Type: executor.EventSessionIdle},
		},
		history: &executor.MessageHistory{Text: "done implementing login"},
	}
	rev := &fakeReviewer{output: `{"status":"pass","feedback":"looks good"}`}
	git := &fakeGit{commitHash: "deadbeef", snapSeq: []*gitworkspace.Snapshot{before, after}}

	p := New(repo, exec, rev, git, DefaultPolicy(), testLogger())

	var events []Event
	outcome := p.Run(ctx, testState(), chunk, func(e Event) { events = append(events, e) })

	require.Equal(t, model.ChunkCompleted, outcome.ChunkStatus)
	assert.Equal(t, "deadbeef", outcome.CommitHash)

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{EventText, EventValidationComplete, EventReviewComplete, EventCommit}, types)
}

func TestRunNeedsFixSpawnsFixChunk(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	require.NoError(t, repo.CreateProject(ctx, &model.Project{ID: "proj-1", Dir: "/tmp/proj"}))
	require.NoError(t, repo.CreateSpec(ctx, &model.Spec{ID: "spec-1", ProjectID: "proj-1"}))
	chunk := &model.Chunk{ID: "chunk-1", SpecID: "spec-1", Title: "Add login flow", Description: "implement login"}
	require.NoError(t, repo.CreateChunk(ctx, chunk))

	snap := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{}}
	exec := &fakeExec{
		sessionID: "sess-1",
		events:    []executor.Event{{SessionID: "sess-1", Type: executor.EventSessionIdle}},
		history:   &executor.MessageHistory{Text: "partial work"},
	}
	rev := &fakeReviewer{output: `{"status":"needs_fix","feedback":"missing tests","fixChunk":{"title":"Add tests","description":"cover login"}}`}
	git := &fakeGit{snapSeq: []*gitworkspace.Snapshot{snap, snap}}

	p := New(repo, exec, rev, git, DefaultPolicy(), testLogger())
	outcome := p.Run(ctx, testState(), chunk, nil)

	require.Equal(t, model.ChunkNeedsFix, outcome.ChunkStatus)
	require.NotEmpty(t, outcome.FixChunkID)

	fix, err := repo.GetChunk(ctx, outcome.FixChunkID)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1", fix.ParentChunkID)
	assert.Equal(t, "Add tests", fix.Title)
}

func TestRunReviewFailResetsAndFails(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	chunk := &model.Chunk{ID: "chunk-1", SpecID: "spec-1", Title: "Add login flow", Description: "implement login"}

	snap := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{}}
	exec := &fakeExec{
		sessionID: "sess-1",
		events:    []executor.Event{{SessionID: "sess-1", Type: executor.EventSessionIdle}},
		history:   &executor.MessageHistory{Text: "broken output"},
	}
	rev := &fakeReviewer{output: `{"status":"fail","feedback":"does not compile"}`}
	git := &fakeGit{snapSeq: []*gitworkspace.Snapshot{snap, snap}}

	p := New(repo, exec, rev, git, DefaultPolicy(), testLogger())
	outcome := p.Run(ctx, testState(), chunk, nil)

	require.Equal(t, model.ChunkFailed, outcome.ChunkStatus)
	assert.Contains(t, outcome.Error, "does not compile")
}

func TestRunMalformedVerdictFallsBackToNeedsFix(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	chunk := &model.Chunk{ID: "chunk-1", SpecID: "spec-1", Title: "Add login flow", Description: "implement login"}
	require.NoError(t, repo.CreateChunk(ctx, chunk))

	snap := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{}}
	exec := &fakeExec{
		sessionID: "sess-1",
		events:    []executor.Event{{SessionID: "sess-1", Type: executor.EventSessionIdle}},
		history:   &executor.MessageHistory{Text: "output"},
	}
	rev := &fakeReviewer{output: "not json at all"}
	git := &fakeGit{snapSeq: []*gitworkspace.Snapshot{snap, snap}}

	p := New(repo, exec, rev, git, DefaultPolicy(), testLogger())
	outcome := p.Run(ctx, testState(), chunk, nil)

	require.Equal(t, model.ChunkNeedsFix, outcome.ChunkStatus)
}

func TestDiffFilesDetectsAddedRemovedAndModified(t *testing.T) {
	before := &gitworkspace.Snapshot{Files: map[string]string{
		"existing.go": "hash-v1",
		"deleted.go":  "hash-gone",
		"untouched.go": "hash-same",
	}}
	after := &gitworkspace.Snapshot{Files: map[string]string{
		"existing.go":  "hash-v2",
		"untouched.go": "hash-same",
		"new.go":       "hash-new",
	}}

	changed := diffFiles(before, after)

	assert.ElementsMatch(t, []string{"existing.go", "deleted.go", "new.go"}, changed)
}

func TestRunHappyPathDetectsModifiedTrackedFile(t *testing.T) {
	repo := memstore.New()
	ctx := context.Background()
	require.NoError(t, repo.CreateProject(ctx, &model.Project{ID: "proj-1", Dir: "/tmp/proj"}))
	require.NoError(t, repo.CreateSpec(ctx, &model.Spec{ID: "spec-1", ProjectID: "proj-1"}))
	chunk := &model.Chunk{ID: "chunk-1", SpecID: "spec-1", Title: "Fix login bug", Description: "fix the broken session check"}
	require.NoError(t, repo.CreateChunk(ctx, chunk))

	// existing.go is tracked both before and after, but its content hash
	// changes — no new files were created, only an in-place edit.
	before := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{"existing.go": "hash-v1"}}
	after := &gitworkspace.Snapshot{HeadHash: "abc", Files: map[string]string{"existing.go": "hash-v2"}}

	exec := &fakeExec{
		sessionID: "sess-1",
		events:    []executor.Event{{SessionID: "sess-1", Type: executor.EventSessionIdle}},
		history:   &executor.MessageHistory{Text: "fixed the session check"},
	}
	rev := &fakeReviewer{output: `{"status":"pass","feedback":"looks good"}`}
	git := &fakeGit{commitHash: "cafef00d", snapSeq: []*gitworkspace.Snapshot{before, after}}

	p := New(repo, exec, rev, git, DefaultPolicy(), testLogger())

	var validated *ValidationResult
	outcome := p.Run(ctx, testState(), chunk, func(e Event) {
		if e.Type == EventValidationComplete {
			validated = e.Validation
		}
	})

	require.Equal(t, model.ChunkCompleted, outcome.ChunkStatus)
	require.NotNil(t, validated)
	assert.Equal(t, []string{"existing.go"}, validated.FilesChanged)
}

func TestDescriptionDemandsChanges(t *testing.T) {
	assert.True(t, descriptionDemandsChanges("Implement the login page"))
	assert.True(t, descriptionDemandsChanges("Fix the broken test"))
	assert.False(t, descriptionDemandsChanges("Review the architecture doc"))
}

func TestCommitSubjectTruncatesAndPrefersOutput(t *testing.T) {
	subject := commitSubject("Add login flow", "add complete OAuth2 login flow with refresh token rotation and session persistence")
	assert.LessOrEqual(t, len(subject), 72-len("feat(): "))
	assert.Contains(t, subject, "OAuth2")
}

func TestStripCodeFence(t *testing.T) {
	in := "```json\n{\"status\":\"pass\"}\n```"
	assert.Equal(t, `{"status":"pass"}`, stripCodeFence(in))
}
