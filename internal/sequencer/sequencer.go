// Package sequencer implements SpecSequencer: the per-spec driver that
// repeatedly selects the ready set of chunks (those whose dependencies are
// all committed or skipped), dispatches each through a ChunkPipeline, and
// manages the fix-chunk lineage, git init/push/PR surround, and optional
// final-review pass (SPEC_FULL.md §4.2). The ready-set loop is grounded on
// the teacher's dependency-aware dispatch in dag/parallel.go's
// ExecuteWithDependencies.
package sequencer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/pipeline"
	"github.com/ariel-frischer/specforge/internal/repository"
)

// EventType enumerates the events a sequencer run emits, per SPEC_FULL.md §4.2.
type EventType string

const (
	EventSpecStart         EventType = "specStart"
	EventChunkStart        EventType = "chunkStart"
	EventChunkComplete     EventType = "chunkComplete"
	EventChunkSkipped      EventType = "chunkSkipped"
	EventDependencyBlocked EventType = "dependencyBlocked"
	EventGitWorkflowInit   EventType = "gitWorkflowInit"
	EventGitCommit         EventType = "gitCommit"
	EventGitPush           EventType = "gitPush"
	EventPRCreated         EventType = "prCreated"
	EventFinalReviewStart  EventType = "finalReviewStart"
	EventFinalReviewPass   EventType = "finalReviewComplete"
	EventFinalReviewFixes  EventType = "finalReviewFixChunks"
	EventSpecComplete      EventType = "specComplete"
	EventSpecAborted       EventType = "specAborted"
	EventError             EventType = "error"
)

// Event is delivered to the caller's subscriber.
type Event struct {
	Type     EventType
	SpecID   string
	ChunkID  string
	Message  string
	Outcome  *pipeline.Outcome
	PRNumber int
	PRURL    string
	Stats    *RunStats
}

// Sink receives sequencer events.
type Sink func(Event)

// RunStats summarizes a completed spec run, attached to specComplete.
type RunStats struct {
	ChunksCompleted      int
	ChunksSkipped        int
	ChunksFailed         int
	FixChunksRun         int
	CommitCount          int
	LastCommittedChunkID string
}

// Policy tunes SpecSequencer behavior per SPEC_FULL.md §9 Open Questions.
type Policy struct {
	MaxIterations        int  // fix-chunk lineage depth before giving up; default 5
	FailFast             bool // abort the whole spec on first chunk failure
	MaxConcurrentChunks  int  // ready-set dispatch width; default 3
	FinalReviewEnabled   bool
	FinalReviewMaxPasses int // default 2
	PushAndOpenPR        bool
}

// DefaultPolicy returns the spec's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations:        5,
		MaxConcurrentChunks:  3,
		FinalReviewMaxPasses: 2,
		PushAndOpenPR:        true,
	}
}

// GitWorkspace is the subset of gitworkspace.Workspace the sequencer drives
// around a spec run (init/push/PR/cleanup); per-chunk snapshot/commit is
// owned by the ChunkPipeline itself.
type GitWorkspace interface {
	Init(ctx context.Context, specID, title string) (*model.GitState, error)
	Push(ctx context.Context, state *model.GitState) error
	OpenPR(ctx context.Context, state *model.GitState, title, body string) (*gitworkspace.PRResult, error)
	Cleanup(ctx context.Context, state *model.GitState, hadCommits bool) error
	Diff(ctx context.Context, state *model.GitState, base string) (string, error)
}

// ChunkRunner is the subset of pipeline.Pipeline the sequencer drives.
type ChunkRunner interface {
	Run(ctx context.Context, state *model.GitState, chunk *model.Chunk, sink pipeline.Sink) pipeline.Outcome
	Review(ctx context.Context, chunk *model.Chunk, output string) (*pipeline.ReviewResult, error)
}

// Sequencer drives one spec to completion.
type Sequencer struct {
	repo   repository.Repository
	runner ChunkRunner
	git    GitWorkspace
	policy Policy
}

// New creates a Sequencer.
func New(repo repository.Repository, runner ChunkRunner, git GitWorkspace, policy Policy) *Sequencer {
	return &Sequencer{repo: repo, runner: runner, git: git, policy: policy}
}

// Run drives spec's chunks to completion: init git state, repeatedly
// dispatch the ready set, run the optional final-review pass, push and open
// a PR if any commit landed, and always clean up. It returns the terminal
// spec status.
func (s *Sequencer) Run(ctx context.Context, spec *model.Spec, sink Sink) model.SpecStatus {
	if sink == nil {
		sink = func(Event) {}
	}
	sink(Event{Type: EventSpecStart, SpecID: spec.ID})

	spec.Status = model.SpecRunning
	_ = s.repo.UpdateSpec(ctx, spec)

	state, err := s.git.Init(ctx, spec.ID, spec.Title)
	if err != nil {
		sink(Event{Type: EventError, SpecID: spec.ID, Message: "git init failed: " + err.Error()})
		spec.Status = model.SpecFailed
		_ = s.repo.UpdateSpec(ctx, spec)
		return model.SpecFailed
	}
	sink(Event{Type: EventGitWorkflowInit, SpecID: spec.ID})

	stats := &RunStats{}
	aborted := s.dispatchLoop(ctx, spec, state, sink, stats)

	if !aborted && s.policy.FinalReviewEnabled && stats.CommitCount > 0 {
		s.runFinalReview(ctx, spec, state, sink, stats)
	}

	hadCommits := stats.CommitCount > 0
	if !aborted && hadCommits && s.policy.PushAndOpenPR {
		s.pushAndOpenPR(ctx, spec, state, sink)
	}

	_ = s.git.Cleanup(ctx, state, hadCommits)

	final := model.SpecCompleted
	if aborted {
		final = model.SpecFailed
		sink(Event{Type: EventSpecAborted, SpecID: spec.ID, Message: "aborted"})
	} else if stats.ChunksFailed > 0 {
		final = model.SpecFailed
	}
	spec.Status = final
	_ = s.repo.UpdateSpec(ctx, spec)
	sink(Event{Type: EventSpecComplete, SpecID: spec.ID, Stats: stats})
	return final
}

// dispatchLoop repeatedly computes the ready set and runs it with bounded
// concurrency until every chunk is terminal, a cancellation arrives, or
// fail-fast triggers. Returns true if the run was aborted.
//
// Dependency ids are snapshotted once at spec-start (Open Question 1):
// a chunk's DependsOn is pinned to whatever it was when the run began, so
// a mid-run edit is only honored on the *next* Run call.
func (s *Sequencer) dispatchLoop(ctx context.Context, spec *model.Spec, state *model.GitState, sink Sink, stats *RunStats) bool {
	initial, err := s.repo.GetChunksBySpec(ctx, spec.ID)
	if err != nil {
		sink(Event{Type: EventError, SpecID: spec.ID, Message: err.Error()})
		return true
	}
	depSnapshot := make(map[string][]string, len(initial))
	for _, c := range initial {
		depSnapshot[c.ID] = c.DependsOn
	}

	for {
		if ctx.Err() != nil {
			return true
		}
		chunks, err := s.repo.GetChunksBySpec(ctx, spec.ID)
		if err != nil {
			sink(Event{Type: EventError, SpecID: spec.ID, Message: err.Error()})
			return true
		}
		for _, c := range chunks {
			if deps, ok := depSnapshot[c.ID]; ok {
				c.DependsOn = deps
			} else {
				depSnapshot[c.ID] = c.DependsOn
			}
		}

		ready, blocked, allDone := readySet(chunks)
		for _, c := range blocked {
			sink(Event{Type: EventDependencyBlocked, SpecID: spec.ID, ChunkID: c.ID})
		}
		if allDone {
			return false
		}
		if len(ready) == 0 {
			// Every remaining chunk is blocked by a failed dependency.
			s.skipBlocked(ctx, spec, blocked, sink)
			return false
		}

		aborted := s.runReadySet(ctx, spec, state, ready, sink, stats)
		if aborted {
			return true
		}
	}
}

// runReadySet executes ready concurrently (bounded by
// policy.MaxConcurrentChunks), grounded on the teacher's errgroup-based
// ParallelExecutor.ExecuteWithDependencies dispatch.
func (s *Sequencer) runReadySet(ctx context.Context, spec *model.Spec, state *model.GitState, ready []*model.Chunk, sink Sink, stats *RunStats) bool {
	g, gctx := errgroup.WithContext(ctx)
	limit := s.policy.MaxConcurrentChunks
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	fastFailed := false

	for _, chunk := range ready {
		chunk := chunk
		g.Go(func() error {
			sink(Event{Type: EventChunkStart, SpecID: spec.ID, ChunkID: chunk.ID})
			outcome := s.runChunkWithLineage(gctx, spec, state, chunk, sink, stats)

			mu.Lock()
			defer mu.Unlock()
			switch outcome.ChunkStatus {
			case model.ChunkCompleted:
				stats.ChunksCompleted++
				if outcome.CommitHash != "" {
					stats.CommitCount++
					stats.LastCommittedChunkID = chunk.ID
				}
				sink(Event{Type: EventChunkComplete, SpecID: spec.ID, ChunkID: chunk.ID, Outcome: &outcome})
			case model.ChunkSkipped:
				stats.ChunksSkipped++
				sink(Event{Type: EventChunkSkipped, SpecID: spec.ID, ChunkID: chunk.ID})
			default:
				stats.ChunksFailed++
				sink(Event{Type: EventChunkComplete, SpecID: spec.ID, ChunkID: chunk.ID, Outcome: &outcome})
				if s.policy.FailFast {
					fastFailed = true
					return coreerrors.New(coreerrors.KindInvariant, "fail-fast: chunk "+chunk.ID+" failed")
				}
			}
			return nil
		})
	}

	_ = g.Wait()
	return fastFailed
}

// runChunkWithLineage runs chunk, and on a needs_fix outcome repeatedly runs
// the spawned fix chunk (bounded by policy.MaxIterations) until the
// original chunk's lineage converges on completed or exhausts its budget
// and is marked failed (Open Question 3). The original chunk's own status
// is kept in sync with the lineage's resolution regardless of which fix
// chunk actually resolved it, since dependents reference the original id.
func (s *Sequencer) runChunkWithLineage(ctx context.Context, spec *model.Spec, state *model.GitState, chunk *model.Chunk, sink Sink, stats *RunStats) pipeline.Outcome {
	originalID := chunk.ID
	current := chunk
	maxIter := s.policy.MaxIterations
	if maxIter < 1 {
		maxIter = 5
	}

	for iteration := 0; iteration < maxIter; iteration++ {
		outcome := s.runner.Run(ctx, state, current, func(ev pipeline.Event) {
			sink(Event{Type: EventType("pipeline:" + string(ev.Type)), SpecID: spec.ID, ChunkID: ev.ChunkID})
		})
		s.persistOutcome(ctx, current, outcome)

		if outcome.ChunkStatus != model.ChunkNeedsFix {
			s.syncOriginalStatus(ctx, originalID, current.ID, outcome)
			return outcome
		}
		if iteration == maxIter-1 {
			break
		}

		stats.FixChunksRun++
		fix, err := s.repo.GetChunk(ctx, outcome.FixChunkID)
		if err != nil {
			failedOutcome := pipeline.Outcome{ChunkStatus: model.ChunkFailed, Error: "failed to load fix chunk: " + err.Error()}
			s.syncOriginalStatus(ctx, originalID, originalID, failedOutcome)
			return failedOutcome
		}
		current = fix
	}

	failed := model.ChunkFailed
	errMsg := fmt.Sprintf("fix-chunk lineage exceeded %d iterations", maxIter)
	_, _ = s.repo.UpdateChunk(ctx, originalID, repository.ChunkPatch{Status: &failed, Error: &errMsg})
	return pipeline.Outcome{ChunkStatus: model.ChunkFailed, Error: errMsg}
}

func (s *Sequencer) persistOutcome(ctx context.Context, chunk *model.Chunk, outcome pipeline.Outcome) {
	patch := repository.ChunkPatch{Status: &outcome.ChunkStatus}
	if outcome.Error != "" {
		patch.Error = &outcome.Error
	}
	if outcome.CommitHash != "" {
		patch.CommitHash = &outcome.CommitHash
	}
	_, _ = s.repo.UpdateChunk(ctx, chunk.ID, patch)
}

// syncOriginalStatus mirrors a lineage's terminal outcome onto the original
// chunk id when it was actually resolved by a descendant fix chunk, so the
// ready-set sees the original as terminal.
func (s *Sequencer) syncOriginalStatus(ctx context.Context, originalID, resolvedID string, outcome pipeline.Outcome) {
	if resolvedID == originalID {
		return
	}
	patch := repository.ChunkPatch{Status: &outcome.ChunkStatus}
	if outcome.CommitHash != "" {
		patch.CommitHash = &outcome.CommitHash
	}
	_, _ = s.repo.UpdateChunk(ctx, originalID, patch)
}

// skipBlocked marks every chunk whose dependency chain can never complete
// as skipped so the spec can reach a terminal state.
func (s *Sequencer) skipBlocked(ctx context.Context, spec *model.Spec, blocked []*model.Chunk, sink Sink) {
	skipped := model.ChunkSkipped
	for _, c := range blocked {
		_, _ = s.repo.UpdateChunk(ctx, c.ID, repository.ChunkPatch{Status: &skipped})
		sink(Event{Type: EventChunkSkipped, SpecID: spec.ID, ChunkID: c.ID})
	}
}

// readySet partitions non-terminal, non-fix chunks into ready (all deps
// terminal and none failed) and blocked (at least one dep failed, so they
// can never become ready), per SPEC_FULL.md §4.2's ready-set definition.
// Fix chunks (ParentChunkID set) are never independently scheduled here:
// they are consumed internally by runChunkWithLineage as part of their
// parent's retry loop, and their ancestor's status is kept in sync with
// the lineage's resolution regardless of which fix chunk produced it.
// allDone reports whether every originally-scheduled chunk is terminal.
func readySet(chunks []*model.Chunk) (ready, blocked []*model.Chunk, allDone bool) {
	status := make(map[string]model.ChunkStatus, len(chunks))
	for _, c := range chunks {
		status[c.ID] = c.Status
	}

	allDone = true
	for _, c := range chunks {
		if c.IsFixChunk() {
			continue
		}
		if c.IsTerminal() {
			continue
		}
		allDone = false
		if c.Status == model.ChunkRunning {
			continue
		}

		satisfied := true
		anyFailedDep := false
		for _, dep := range c.DependsOn {
			depStatus, ok := status[dep]
			if !ok || depStatus == model.ChunkFailed {
				anyFailedDep = true
				break
			}
			if depStatus != model.ChunkCompleted && depStatus != model.ChunkSkipped {
				satisfied = false
				break
			}
		}
		switch {
		case anyFailedDep:
			blocked = append(blocked, c)
		case satisfied:
			ready = append(ready, c)
		}
	}
	return ready, blocked, allDone
}

// runFinalReview diffs base..HEAD and asks the reviewer to evaluate the
// accumulated change set, looping up to policy.FinalReviewMaxPasses and
// forcing acceptance afterward (Open Question 2). Fix chunks it spawns
// depend on the most recently committed chunk (Open Question 3).
func (s *Sequencer) runFinalReview(ctx context.Context, spec *model.Spec, state *model.GitState, sink Sink, stats *RunStats) {
	sink(Event{Type: EventFinalReviewStart, SpecID: spec.ID})
	diff, err := s.git.Diff(ctx, state, state.BaseBranch)
	if err != nil {
		sink(Event{Type: EventError, SpecID: spec.ID, Message: "final review diff failed: " + err.Error()})
		return
	}

	for pass := 1; pass <= s.policy.FinalReviewMaxPasses; pass++ {
		reviewChunk := &model.Chunk{
			ID:          fmt.Sprintf("%s-final-review-%d", spec.ID, pass),
			SpecID:      spec.ID,
			Title:       "Final review",
			Description: "Review the complete diff for " + spec.Title + " against its stated goals.",
		}
		review, err := s.runner.Review(ctx, reviewChunk, diff)
		if err != nil || review.Status != model.ReviewNeedsFix {
			sink(Event{Type: EventFinalReviewPass, SpecID: spec.ID})
			return
		}

		stats.FixChunksRun++
		sink(Event{Type: EventFinalReviewFixes, SpecID: spec.ID, Message: fmt.Sprintf("pass %d requested fixes", pass)})

		if review.FixChunk == nil {
			review.FixChunk = &repository.FixChunkInput{Title: "Final review fix", Description: review.Feedback}
		}
		if stats.LastCommittedChunkID != "" {
			review.FixChunk.DependsOn = []string{stats.LastCommittedChunkID}
		}
		fix, err := s.repo.InsertFixChunk(ctx, stats.LastCommittedChunkID, *review.FixChunk)
		if err != nil {
			sink(Event{Type: EventError, SpecID: spec.ID, Message: "final review fix chunk insert failed: " + err.Error()})
			return
		}
		s.runChunkWithLineage(ctx, spec, state, fix, sink, stats)

		diff, err = s.git.Diff(ctx, state, state.BaseBranch)
		if err != nil {
			sink(Event{Type: EventError, SpecID: spec.ID, Message: "final review re-diff failed: " + err.Error()})
			return
		}
	}
	sink(Event{Type: EventFinalReviewPass, SpecID: spec.ID, Message: "forced accept after max passes"})
}

func (s *Sequencer) pushAndOpenPR(ctx context.Context, spec *model.Spec, state *model.GitState, sink Sink) {
	if err := s.git.Push(ctx, state); err != nil {
		sink(Event{Type: EventError, SpecID: spec.ID, Message: "push failed: " + err.Error()})
		return
	}
	sink(Event{Type: EventGitPush, SpecID: spec.ID})

	pr, err := s.git.OpenPR(ctx, state, spec.Title, spec.Content)
	if err != nil {
		sink(Event{Type: EventError, SpecID: spec.ID, Message: "PR creation failed: " + err.Error()})
		return
	}
	if pr == nil {
		return
	}
	sink(Event{Type: EventPRCreated, SpecID: spec.ID, PRNumber: pr.Number, PRURL: pr.URL})
}
