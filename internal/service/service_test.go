package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariel-frischer/specforge/internal/eventbus"
	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/orchestrator"
	"github.com/ariel-frischer/specforge/internal/pipeline"
	"github.com/ariel-frischer/specforge/internal/repository/memstore"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

// fakeRunner is a minimal sequencer.ChunkRunner double for service tests.
type fakeRunner struct {
	runOutcome pipeline.Outcome
	reviewOut  *pipeline.ReviewResult
	runCalled  chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, state *model.GitState, chunk *model.Chunk, sink pipeline.Sink) pipeline.Outcome {
	if sink != nil {
		sink(pipeline.Event{Type: pipeline.EventType("execute"), ChunkID: chunk.ID, Text: "running"})
	}
	if f.runCalled != nil {
		f.runCalled <- struct{}{}
	}
	<-ctx.Done()
	return f.runOutcome
}

func (f *fakeRunner) Review(ctx context.Context, chunk *model.Chunk, output string) (*pipeline.ReviewResult, error) {
	return f.reviewOut, nil
}

// fakeGit is a minimal sequencer.GitWorkspace double.
type fakeGit struct{}

func (f *fakeGit) Init(ctx context.Context, specID, title string) (*model.GitState, error) {
	return &model.GitState{Enabled: true, WorkingDir: "/tmp/fake"}, nil
}
func (f *fakeGit) Push(ctx context.Context, state *model.GitState) error { return nil }
func (f *fakeGit) OpenPR(ctx context.Context, state *model.GitState, title, body string) (*gitworkspace.PRResult, error) {
	return nil, nil
}
func (f *fakeGit) Cleanup(ctx context.Context, state *model.GitState, hadCommits bool) error {
	return nil
}
func (f *fakeGit) Diff(ctx context.Context, state *model.GitState, base string) (string, error) {
	return "", nil
}

func newTestService(t *testing.T) (*Service, *fakeRunner) {
	t.Helper()
	repo := memstore.New()
	ctx := context.Background()
	require.NoError(t, repo.CreateProject(ctx, &model.Project{ID: "proj-1", Dir: "/tmp/proj"}))
	require.NoError(t, repo.CreateSpec(ctx, &model.Spec{ID: "spec-1", ProjectID: "proj-1", Title: "Add login"}))
	require.NoError(t, repo.CreateChunk(ctx, &model.Chunk{ID: "c1", SpecID: "spec-1", Title: "First"}))

	runner := &fakeRunner{runOutcome: pipeline.Outcome{ChunkStatus: model.ChunkCompleted, CommitHash: "aaa"}, runCalled: make(chan struct{}, 1)}
	orch := orchestrator.New(repo, orchestratorSeqRunner{runner: runner}, orchestrator.DefaultPolicy(), zerolog.Nop())
	bus := eventbus.New()
	svc := New(repo, orch, runner, &fakeGit{}, bus)
	return svc, runner
}

// orchestratorSeqRunner adapts fakeRunner into an orchestrator.SpecRunner
// for tests that don't exercise full spec sequencing.
type orchestratorSeqRunner struct {
	runner *fakeRunner
}

func (o orchestratorSeqRunner) Run(ctx context.Context, spec *model.Spec, sink sequencer.Sink) model.SpecStatus {
	return model.SpecCompleted
}

func TestStartChunkAcceptsAndPersistsOutcome(t *testing.T) {
	svc, runner := newTestService(t)
	ctx := context.Background()

	result, err := svc.StartChunk(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	select {
	case <-runner.runCalled:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}

	svc.AbortChunk("c1")

	require.Eventually(t, func() bool {
		result, err := svc.StartChunk(ctx, "c1")
		return err == nil && result.Accepted
	}, time.Second, 10*time.Millisecond)
	got, err := svc.repo.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkCompleted, got.Status)
	svc.AbortChunk("c1")
}

func TestStartChunkRejectsWhenAlreadyRunning(t *testing.T) {
	svc, runner := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartChunk(ctx, "c1")
	require.NoError(t, err)
	<-runner.runCalled

	result, err := svc.StartChunk(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "already running", result.Reason)

	svc.AbortChunk("c1")
}

func TestReviewChunkDelegatesToRunner(t *testing.T) {
	svc, runner := newTestService(t)
	runner.reviewOut = &pipeline.ReviewResult{Status: model.ReviewPass}

	result, err := svc.ReviewChunk(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPass, result.Status)
}

func TestSubscribeSpecReceivesStartChunkEvents(t *testing.T) {
	svc, runner := newTestService(t)
	ctx := context.Background()

	received := make(chan sequencer.Event, 4)
	unsub := svc.SubscribeSpec("spec-1", func(ev sequencer.Event) { received <- ev })
	defer unsub()

	_, err := svc.StartChunk(ctx, "c1")
	require.NoError(t, err)
	<-runner.runCalled

	select {
	case ev := <-received:
		assert.Equal(t, "c1", ev.ChunkID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received a pipeline event")
	}

	svc.AbortChunk("c1")
}

func TestGetWorkerStatsReportsCapacity(t *testing.T) {
	svc, _ := newTestService(t)
	stats := svc.GetWorkerStats()
	assert.Equal(t, 3, stats.Max)
	assert.Equal(t, 0, stats.QueueLen)
}
