// Package orchestrator implements the Orchestrator: a bounded worker pool
// and priority queue that runs SpecSequencers across many specs at once,
// parallel at the spec level and serial at the chunk level inside one spec
// (SPEC_FULL.md §4.3, §5).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/repository"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

// SpecRunner is the subset of sequencer.Sequencer the orchestrator drives.
// A single instance is shared and invoked concurrently for distinct specs;
// it carries no per-spec mutable state (SPEC_FULL.md §4.2).
type SpecRunner interface {
	Run(ctx context.Context, spec *model.Spec, sink sequencer.Sink) model.SpecStatus
}

// ErrAtCapacity is returned by StartWorker when no capacity is free; the
// caller should fall back to QueueSpec (SPEC_FULL.md §4.3 "direct start").
var ErrAtCapacity = coreerrors.New(coreerrors.KindInvariant, "orchestrator at capacity")

// Policy tunes Orchestrator behavior.
type Policy struct {
	MaxConcurrency int // default 3, per SPEC_FULL.md §3/§4.8
}

// DefaultPolicy returns the spec's stated default.
func DefaultPolicy() Policy {
	return Policy{MaxConcurrency: 3}
}

// workerHandle tracks one in-flight spec run for cancellation and stats.
type workerHandle struct {
	specID string
	cancel context.CancelFunc
}

// Orchestrator is a process-wide singleton service with an explicit
// start/stop lifecycle (SPEC_FULL.md §9 "Global mutable state").
type Orchestrator struct {
	repo   repository.Repository
	runner SpecRunner
	policy Policy
	logger zerolog.Logger

	mu      sync.Mutex
	queue   *priorityQueue
	running map[string]*workerHandle // specID -> handle
	stopped bool
}

// New creates an Orchestrator. Call Start before QueueSpec/StartWorker.
func New(repo repository.Repository, runner SpecRunner, policy Policy, logger zerolog.Logger) *Orchestrator {
	if policy.MaxConcurrency < 1 {
		policy.MaxConcurrency = 3
	}
	return &Orchestrator{
		repo:    repo,
		runner:  runner,
		policy:  policy,
		logger:  logger,
		queue:   newPriorityQueue(),
		running: make(map[string]*workerHandle),
	}
}

// Start reconciles any Worker left "running" by a prior process into
// "failed" (SPEC_FULL.md §4.3 "Failure semantics" — orchestrator restarts
// drop live Workers), loads the durable queue into the in-memory heap, and
// begins dispatching.
func (o *Orchestrator) Start(ctx context.Context) error {
	stale, err := o.repo.ListNonTerminalWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range stale {
		w.Status = model.WorkerFailed
		w.Error = "orchestrator restart"
		_ = o.repo.UpsertWorker(ctx, w)
	}

	items, err := o.repo.ListQueue(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, item := range items {
		o.queue.push(item.SpecID, item.ProjectID, item.Priority, item.EnqueuedAt)
	}
	o.mu.Unlock()

	o.processQueue(ctx)
	return nil
}

// Stop cancels every in-flight worker. It does not wait for them to reach
// a terminal state; callers observing via Repository.Subscribe will see
// each Worker settle within the cancellation latency bound (SPEC_FULL.md §8).
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	for _, h := range o.running {
		h.cancel()
	}
}

// QueueSpec enqueues specID for eventual dispatch, persists the QueueItem,
// and triggers a dispatch attempt.
func (o *Orchestrator) QueueSpec(ctx context.Context, specID, projectID string, priority int) (*model.QueueItem, error) {
	item := &model.QueueItem{SpecID: specID, ProjectID: projectID, Priority: priority}
	if err := o.repo.EnqueueSpec(ctx, item); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.queue.push(item.SpecID, item.ProjectID, item.Priority, item.EnqueuedAt)
	o.mu.Unlock()

	o.processQueue(ctx)
	return item, nil
}

// StartWorker bypasses the queue: it succeeds only when capacity is free
// and no Worker already exists for specID; otherwise it returns
// ErrAtCapacity so the caller can fall back to QueueSpec (SPEC_FULL.md
// §4.3 "Direct start").
func (o *Orchestrator) StartWorker(ctx context.Context, specID string) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return coreerrors.New(coreerrors.KindInvariant, "orchestrator stopped")
	}
	if _, running := o.running[specID]; running {
		o.mu.Unlock()
		return ErrAtCapacity
	}
	if len(o.running) >= o.policy.MaxConcurrency {
		o.mu.Unlock()
		return ErrAtCapacity
	}
	o.mu.Unlock()

	spec, err := o.repo.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	if spec.IsTerminal() {
		return coreerrors.New(coreerrors.KindInvariant, "spec already terminal: "+specID)
	}

	started := o.tryDispatch(ctx, spec)
	if !started {
		return ErrAtCapacity
	}
	return nil
}

// AbortSpec cancels the running Worker for specID, if any. A no-op if the
// spec has no live worker.
func (o *Orchestrator) AbortSpec(specID string) {
	o.mu.Lock()
	h, ok := o.running[specID]
	o.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// RunningSpecIDs reports the specs currently holding a capacity slot.
func (o *Orchestrator) RunningSpecIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// QueueLen reports the number of specs waiting for a slot.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.len()
}

// Capacity reports the configured maximum concurrent Workers.
func (o *Orchestrator) Capacity() int {
	return o.policy.MaxConcurrency
}

// processQueue repeatedly pops the head, verifies the spec is still
// eligible (exists, not terminal, no live worker), and starts a Worker. It
// stops once capacity is exhausted or the queue is empty (SPEC_FULL.md
// §4.3 "Dispatch").
func (o *Orchestrator) processQueue(ctx context.Context) {
	for {
		o.mu.Lock()
		if o.stopped || len(o.running) >= o.policy.MaxConcurrency {
			o.mu.Unlock()
			return
		}
		entry := o.queue.pop()
		o.mu.Unlock()
		if entry == nil {
			return
		}

		spec, err := o.repo.GetSpec(ctx, entry.specID)
		if err != nil || spec.IsTerminal() {
			_ = o.repo.RemoveQueueItem(ctx, entry.specID)
			continue
		}

		o.mu.Lock()
		if _, running := o.running[entry.specID]; running {
			o.mu.Unlock()
			_ = o.repo.RemoveQueueItem(ctx, entry.specID)
			continue
		}
		o.mu.Unlock()

		if !o.tryDispatch(ctx, spec) {
			// Lost a capacity race; put it back and stop for now.
			o.mu.Lock()
			o.queue.push(entry.specID, entry.projectID, entry.priority, entry.enqueuedAt)
			o.mu.Unlock()
			return
		}
		_ = o.repo.RemoveQueueItem(ctx, entry.specID)
	}
}

// tryDispatch claims a capacity slot for spec and launches its Worker in
// the background. Returns false if capacity was not available.
func (o *Orchestrator) tryDispatch(ctx context.Context, spec *model.Spec) bool {
	o.mu.Lock()
	if o.stopped || len(o.running) >= o.policy.MaxConcurrency {
		o.mu.Unlock()
		return false
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	o.running[spec.ID] = &workerHandle{specID: spec.ID, cancel: cancel}
	o.mu.Unlock()

	worker := &model.Worker{SpecID: spec.ID, Status: model.WorkerRunning, StartedAt: clockNow()}
	_ = o.repo.UpsertWorker(ctx, worker)

	go o.runWorker(workerCtx, spec, worker)
	return true
}

// runWorker invokes SpecSequencer.Run and, on return, persists the Worker's
// terminal state and calls processQueue again to drain the next item
// (SPEC_FULL.md §4.3 "Worker lifecycle"). A fatal error inside the
// sequencer is captured as failed and never propagates to crash the
// orchestrator.
func (o *Orchestrator) runWorker(ctx context.Context, spec *model.Spec, worker *model.Worker) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("spec", spec.ID).Msg("sequencer run panicked")
			worker.Status = model.WorkerFailed
			worker.Error = "internal error"
			_ = o.repo.UpsertWorker(context.Background(), worker)
		}

		o.mu.Lock()
		delete(o.running, spec.ID)
		o.mu.Unlock()
		o.processQueue(context.Background())
	}()

	status := o.runner.Run(ctx, spec, nil)

	switch {
	case ctx.Err() != nil:
		worker.Status = model.WorkerCancelled
	case status == model.SpecCompleted || status == model.SpecMerged:
		worker.Status = model.WorkerCompleted
	default:
		worker.Status = model.WorkerFailed
		worker.Error = "spec run failed"
	}
	_ = o.repo.UpsertWorker(context.Background(), worker)
}

func clockNow() time.Time {
	return time.Now()
}
