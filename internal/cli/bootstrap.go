package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ariel-frischer/specforge/internal/config"
	"github.com/ariel-frischer/specforge/internal/executor"
	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/lifecycle"
	"github.com/ariel-frischer/specforge/internal/logging"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/notify"
	"github.com/ariel-frischer/specforge/internal/pipeline"
	"github.com/ariel-frischer/specforge/internal/repository/memstore"
	"github.com/ariel-frischer/specforge/internal/reviewer"
	"github.com/ariel-frischer/specforge/internal/sequencer"
	"github.com/ariel-frischer/specforge/internal/specfile"
)

// runtime bundles everything a spec-driving command needs, built fresh per
// invocation since the CLI is a one-shot process, not a long-running server.
type runtime struct {
	cfg     *config.Configuration
	logger  zerolog.Logger
	notify  *notify.Handler
	repo    *memstore.Store
	git     *gitworkspace.Workspace
	pipe    *pipeline.Pipeline
	projDir string
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(flagProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level := flagLogLevel
	if flagDebug {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level, Console: true, FilePath: flagLogFile})

	projDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	repo := memstore.New()
	git := gitworkspace.New(projDir, gitworkspace.WithBaseBranch(cfg.Git.BaseBranch))
	execClient := executor.New(cfg.Executor.Endpoint, executor.WithLogger(logger))
	revClient := reviewer.New(cfg.Reviewer.CLIPath)

	policy := pipeline.DefaultPolicy()
	policy.ExecuteTimeout = cfg.ExecutorTimeout()
	policy.AutoFailOnNoChanges = cfg.Validate.AutoFailOnNoChanges
	policy.BuildCommand = cfg.Validate.BuildCommand
	policy.BuildFatal = cfg.Validate.BuildFatal
	policy.ExecutorModel = cfg.Executor.Model

	pipe := pipeline.New(repo, execClient, revClient, git, policy, logger)

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		notify:  notify.NewHandler(cfg.Notify),
		repo:    repo,
		git:     git,
		pipe:    pipe,
		projDir: projDir,
	}, nil
}

func (rt *runtime) sequencerPolicy() sequencer.Policy {
	p := sequencer.DefaultPolicy()
	p.MaxIterations = rt.cfg.MaxIterations
	p.FailFast = rt.cfg.FailFast
	p.FinalReviewEnabled = rt.cfg.FinalReview.Enabled
	p.FinalReviewMaxPasses = rt.cfg.FinalReview.MaxPasses
	p.PushAndOpenPR = rt.cfg.Git.PushAndOpenPR
	return p
}

// seed parses path and creates a Project/Spec/Chunks in rt.repo, returning
// the created Spec. Chunk DependsOn edges in the file reference file-local
// ids (specfile.Chunk.ID), resolved here to the persisted chunk ids.
func (rt *runtime) seed(ctx context.Context, path string) (*model.Spec, error) {
	f, err := specfile.Load(path)
	if err != nil {
		return nil, err
	}

	project := &model.Project{Dir: rt.projDir}
	if err := rt.repo.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}

	spec := &model.Spec{
		ProjectID: project.ID,
		Title:     f.Title,
		Content:   f.Content,
		Status:    model.SpecReady,
	}
	if err := rt.repo.CreateSpec(ctx, spec); err != nil {
		return nil, fmt.Errorf("creating spec: %w", err)
	}

	localToChunkID := make(map[string]string, len(f.Chunks))
	for i, fc := range f.Chunks {
		var dependsOn []string
		for _, dep := range fc.DependsOn {
			id, ok := localToChunkID[dep]
			if !ok {
				return nil, fmt.Errorf("chunk %q depends on %q, which has not been created yet (reorder the file)", fc.ID, dep)
			}
			dependsOn = append(dependsOn, id)
		}
		chunk := &model.Chunk{
			SpecID:      spec.ID,
			Title:       fc.Title,
			Description: fc.Description,
			Order:       i + 1,
			DependsOn:   dependsOn,
		}
		if err := rt.repo.CreateChunk(ctx, chunk); err != nil {
			return nil, fmt.Errorf("creating chunk %q: %w", fc.ID, err)
		}
		localToChunkID[fc.ID] = chunk.ID
	}

	return spec, nil
}

// lifecycleWrap runs fn under notify/lifecycle's command-completion wrapper.
func (rt *runtime) lifecycleWrap(name string, fn func() error) error {
	return lifecycle.WrapCommand(rt.notify, name, fn)
}

// notifySink translates chunk- and spec-level sequencer events into OS
// notifications, so a long `spec run`/`spec queue` surfaces progress (and
// the final outcome) without the operator watching the terminal.
func (rt *runtime) notifySink(specTitle string) sequencer.Sink {
	return func(ev sequencer.Event) {
		switch ev.Type {
		case sequencer.EventChunkComplete:
			status := model.ChunkCompleted
			if ev.Outcome != nil {
				status = ev.Outcome.ChunkStatus
			}
			chunkTitle := ev.ChunkID
			if c, err := rt.repo.GetChunk(context.Background(), ev.ChunkID); err == nil {
				chunkTitle = c.Title
			}
			rt.notify.OnChunkComplete(specTitle, chunkTitle, status)
		case sequencer.EventSpecComplete:
			if ev.Stats == nil {
				return
			}
			status := model.SpecCompleted
			if ev.Stats.ChunksFailed > 0 {
				status = model.SpecFailed
			}
			rt.notify.OnSpecComplete(specTitle, status, ev.Stats.ChunksCompleted, ev.Stats.ChunksFailed, ev.Stats.CommitCount)
		}
	}
}

func abs(path string) string {
	a, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return a
}
