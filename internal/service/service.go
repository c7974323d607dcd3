// Package service implements ServiceAPI (spec.md §6.1): the typed surface
// an out-of-scope HTTP layer drives. It wires together the Orchestrator
// (spec-level scheduling), a ChunkRunner (standalone single-chunk
// operations outside a full spec run) and the event bus (subscriber
// fan-out), without depending on anything HTTP-specific itself.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/ariel-frischer/specforge/internal/eventbus"
	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/orchestrator"
	"github.com/ariel-frischer/specforge/internal/pipeline"
	"github.com/ariel-frischer/specforge/internal/repository"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

// StartResult reports whether startSpec/startChunk actually began running.
type StartResult struct {
	Accepted bool
	Reason   string
}

// WorkerStats answers getWorkerStats().
type WorkerStats struct {
	Active   int
	Max      int
	QueueLen int
}

// Service implements the six spec.md §6.1 operations plus subscribeSpec and
// getWorkerStats.
type Service struct {
	repo   repository.Repository
	orch   *orchestrator.Orchestrator
	runner sequencer.ChunkRunner
	git    sequencer.GitWorkspace
	bus    *eventbus.Bus

	mu           sync.Mutex
	chunkRunning map[string]context.CancelFunc
}

// New builds a Service over an already-started Orchestrator.
func New(repo repository.Repository, orch *orchestrator.Orchestrator, runner sequencer.ChunkRunner, git sequencer.GitWorkspace, bus *eventbus.Bus) *Service {
	return &Service{
		repo:         repo,
		orch:         orch,
		runner:       runner,
		git:          git,
		bus:          bus,
		chunkRunning: make(map[string]context.CancelFunc),
	}
}

// StartSpec attempts to run specId immediately, bypassing the queue
// (spec.md §6.1 startSpec). Rejected with reason "capacity" if no Worker
// slot is free.
func (s *Service) StartSpec(ctx context.Context, specID string) (StartResult, error) {
	err := s.orch.StartWorker(ctx, specID)
	if err == nil {
		return StartResult{Accepted: true}, nil
	}
	if errors.Is(err, orchestrator.ErrAtCapacity) {
		return StartResult{Accepted: false, Reason: "capacity"}, nil
	}
	return StartResult{Accepted: false, Reason: err.Error()}, err
}

// QueueSpec enqueues specId at the given priority (spec.md §6.1 queueSpec).
func (s *Service) QueueSpec(ctx context.Context, specID string, priority int) (*model.QueueItem, error) {
	spec, err := s.repo.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	return s.orch.QueueSpec(ctx, specID, spec.ProjectID, priority)
}

// AbortSpec cancels specId's running Worker, if any (spec.md §6.1 abortSpec).
func (s *Service) AbortSpec(specID string) {
	s.orch.AbortSpec(specID)
}

// StartChunk runs one chunk to a terminal outcome outside the sequencer's
// normal dependency-driven dispatch, for manual retry from a UI (spec.md
// §6.1 startChunk). Rejected if the chunk is already running.
func (s *Service) StartChunk(ctx context.Context, chunkID string) (StartResult, error) {
	s.mu.Lock()
	if _, running := s.chunkRunning[chunkID]; running {
		s.mu.Unlock()
		return StartResult{Accepted: false, Reason: "already running"}, nil
	}
	s.mu.Unlock()

	chunk, err := s.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return StartResult{}, err
	}
	spec, err := s.repo.GetSpec(ctx, chunk.SpecID)
	if err != nil {
		return StartResult{}, err
	}
	state, err := s.git.Init(ctx, spec.ID, spec.Title)
	if err != nil {
		return StartResult{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.chunkRunning[chunkID] = cancel
	s.mu.Unlock()

	busSink := s.bus.Sink(spec.ID)
	pipelineSink := pipeline.Sink(func(ev pipeline.Event) {
		busSink(sequencer.Event{
			Type:    sequencer.EventType("pipeline:" + string(ev.Type)),
			SpecID:  spec.ID,
			ChunkID: ev.ChunkID,
			Message: ev.Text,
		})
	})
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.chunkRunning, chunkID)
			s.mu.Unlock()
			cancel()
		}()
		outcome := s.runner.Run(runCtx, state, chunk, pipelineSink)
		patch := repository.ChunkPatch{Status: &outcome.ChunkStatus}
		if outcome.Error != "" {
			patch.Error = &outcome.Error
		}
		if outcome.CommitHash != "" {
			patch.CommitHash = &outcome.CommitHash
		}
		_, _ = s.repo.UpdateChunk(context.Background(), chunkID, patch)
	}()

	return StartResult{Accepted: true}, nil
}

// AbortChunk cancels a chunk started via StartChunk, if it is still
// running (spec.md §6.1 abortChunk).
func (s *Service) AbortChunk(chunkID string) {
	s.mu.Lock()
	cancel, ok := s.chunkRunning[chunkID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// ReviewChunk runs the Review stage standalone against a chunk's last
// recorded output (spec.md §6.1 reviewChunk), without re-executing it.
func (s *Service) ReviewChunk(ctx context.Context, chunkID string) (*pipeline.ReviewResult, error) {
	chunk, err := s.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	return s.runner.Review(ctx, chunk, chunk.Output)
}

// SubscribeSpec attaches sink to specId's event stream, returning an
// unsubscribe handle (spec.md §6.1 subscribeSpec).
func (s *Service) SubscribeSpec(specID string, sink sequencer.Sink) eventbus.Unsubscribe {
	return s.bus.Subscribe(specID, sink)
}

// GetWorkerStats reports current scheduling pressure (spec.md §6.1
// getWorkerStats).
func (s *Service) GetWorkerStats() WorkerStats {
	return WorkerStats{
		Active:   len(s.orch.RunningSpecIDs()),
		Max:      s.orch.Capacity(),
		QueueLen: s.orch.QueueLen(),
	}
}

var _ sequencer.GitWorkspace = (*gitworkspace.Workspace)(nil)
