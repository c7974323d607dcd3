package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/repository/memstore"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

// fakeRunner is a scriptable SpecRunner test double. It blocks on a
// per-spec gate channel (if present) so tests can control interleaving,
// and reports a fixed terminal status.
type fakeRunner struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	status  map[string]model.SpecStatus
	calls   []string
	started chan string // signalled whenever Run begins, for synchronization
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		gates:   make(map[string]chan struct{}),
		status:  make(map[string]model.SpecStatus),
		started: make(chan string, 64),
	}
}

func (f *fakeRunner) Run(ctx context.Context, spec *model.Spec, sink sequencer.Sink) model.SpecStatus {
	f.mu.Lock()
	f.calls = append(f.calls, spec.ID)
	gate := f.gates[spec.ID]
	status := f.status[spec.ID]
	f.mu.Unlock()

	f.started <- spec.ID

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.SpecFailed
		}
	}
	if status == "" {
		return model.SpecCompleted
	}
	return status
}

func newRepoWithSpecs(t *testing.T, n int) (*memstore.Store, []*model.Spec) {
	t.Helper()
	repo := memstore.New()
	ctx := context.Background()
	require.NoError(t, repo.CreateProject(ctx, &model.Project{ID: "proj-1", Dir: "/tmp/proj"}))
	specs := make([]*model.Spec, n)
	for i := 0; i < n; i++ {
		s := &model.Spec{ID: idFor(i), ProjectID: "proj-1", Title: "spec " + idFor(i)}
		require.NoError(t, repo.CreateSpec(ctx, s))
		specs[i] = s
	}
	return repo, specs
}

func idFor(i int) string {
	return string(rune('a' + i))
}

func TestStartWorkerRunsImmediatelyUnderCapacity(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 1)
	runner := newFakeRunner()
	o := New(repo, runner, Policy{MaxConcurrency: 2}, zerolog.Nop())

	require.NoError(t, o.StartWorker(context.Background(), specs[0].ID))

	select {
	case id := <-runner.started:
		assert.Equal(t, specs[0].ID, id)
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}
}

func TestStartWorkerFailsAtCapacity(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 2)
	runner := newFakeRunner()
	gate := make(chan struct{})
	runner.gates[specs[0].ID] = gate
	defer close(gate)

	o := New(repo, runner, Policy{MaxConcurrency: 1}, zerolog.Nop())
	require.NoError(t, o.StartWorker(context.Background(), specs[0].ID))
	<-runner.started

	err := o.StartWorker(context.Background(), specs[1].ID)
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestQueueSpecDrainsWhenCapacityFrees(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 2)
	runner := newFakeRunner()
	gate := make(chan struct{})
	runner.gates[specs[0].ID] = gate

	o := New(repo, runner, Policy{MaxConcurrency: 1}, zerolog.Nop())
	require.NoError(t, o.StartWorker(context.Background(), specs[0].ID))
	<-runner.started

	_, err := o.QueueSpec(context.Background(), specs[1].ID, "proj-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, o.QueueLen())

	close(gate) // let spec 0 finish, which should drain the queue

	select {
	case id := <-runner.started:
		assert.Equal(t, specs[1].ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("queued spec never started")
	}

	require.Eventually(t, func() bool {
		return o.QueueLen() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestQueueSpecOrdersByPriority(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 3)
	runner := newFakeRunner()
	gate := make(chan struct{})
	runner.gates[specs[0].ID] = gate

	o := New(repo, runner, Policy{MaxConcurrency: 1}, zerolog.Nop())
	require.NoError(t, o.StartWorker(context.Background(), specs[0].ID))
	<-runner.started

	_, err := o.QueueSpec(context.Background(), specs[1].ID, "proj-1", 0)
	require.NoError(t, err)
	_, err = o.QueueSpec(context.Background(), specs[2].ID, "proj-1", 5)
	require.NoError(t, err)

	close(gate)

	select {
	case id := <-runner.started:
		assert.Equal(t, specs[2].ID, id, "higher priority spec should dispatch first")
	case <-time.After(2 * time.Second):
		t.Fatal("queued spec never started")
	}
}

func TestAbortSpecCancelsRunningWorker(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 1)
	runner := newFakeRunner()
	runner.gates[specs[0].ID] = make(chan struct{}) // never closed; must cancel via ctx

	o := New(repo, runner, Policy{MaxConcurrency: 1}, zerolog.Nop())
	require.NoError(t, o.StartWorker(context.Background(), specs[0].ID))
	<-runner.started

	o.AbortSpec(specs[0].ID)

	require.Eventually(t, func() bool {
		w, err := repo.GetWorker(context.Background(), specs[0].ID)
		return err == nil && w.Status == model.WorkerCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestStartReconcilesStaleRunningWorkers(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 1)
	ctx := context.Background()
	require.NoError(t, repo.UpsertWorker(ctx, &model.Worker{SpecID: specs[0].ID, Status: model.WorkerRunning}))

	runner := newFakeRunner()
	o := New(repo, runner, Policy{MaxConcurrency: 1}, zerolog.Nop())
	require.NoError(t, o.Start(ctx))

	w, err := repo.GetWorker(ctx, specs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerFailed, w.Status)
	assert.Equal(t, "orchestrator restart", w.Error)
}

func TestStartDrainsPersistedQueue(t *testing.T) {
	repo, specs := newRepoWithSpecs(t, 1)
	ctx := context.Background()
	require.NoError(t, repo.EnqueueSpec(ctx, &model.QueueItem{SpecID: specs[0].ID, ProjectID: "proj-1", Priority: 1}))

	runner := newFakeRunner()
	o := New(repo, runner, Policy{MaxConcurrency: 1}, zerolog.Nop())
	require.NoError(t, o.Start(ctx))

	select {
	case id := <-runner.started:
		assert.Equal(t, specs[0].ID, id)
	case <-time.After(time.Second):
		t.Fatal("persisted queue item never dispatched")
	}
}
