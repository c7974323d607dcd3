package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/orchestrator"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

var flagQueuePriority int

var specQueueCmd = &cobra.Command{
	Use:   "queue <file>",
	Short: "Enqueue a spec file behind the bounded worker pool",
	Long: `Queue seeds a spec the same way "spec run" does, then hands it to an
Orchestrator instead of running it directly: the spec only starts once a
worker slot is free, contending with whatever else the Orchestrator has
queued. Useful for exercising priority ordering against the configured
orchestrator.max_concurrency.`,
	Args: cobra.ExactArgs(1),
	RunE: runSpecQueue,
}

func init() {
	specQueueCmd.Flags().IntVar(&flagQueuePriority, "priority", 0, "higher runs first among queued specs")
	specCmd.AddCommand(specQueueCmd)
}

func runSpecQueue(cmd *cobra.Command, args []string) error {
	path := abs(args[0])

	rt, err := newRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := setupSignalHandler(cmd.Context())
	defer cancel()

	return rt.lifecycleWrap("spec-queue", func() error {
		spec, err := rt.seed(ctx, path)
		if err != nil {
			return err
		}

		seq := sequencer.New(rt.repo, rt.pipe, rt.git, rt.sequencerPolicy())
		runner := &sinkRunner{seq: seq, sink: chainSinks(loggingSink(rt), rt.notifySink(spec.Title))}
		orchPolicy := orchestrator.DefaultPolicy()
		orchPolicy.MaxConcurrency = rt.cfg.Orchestrator.MaxConcurrency
		orch := orchestrator.New(rt.repo, runner, orchPolicy, rt.logger)

		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("starting orchestrator: %w", err)
		}
		if _, err := orch.QueueSpec(ctx, spec.ID, spec.ProjectID, flagQueuePriority); err != nil {
			return fmt.Errorf("queueing spec: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "queued spec %s at priority %d (%d running, capacity %d)\n",
			spec.ID, flagQueuePriority, len(orch.RunningSpecIDs()), orch.Capacity())

		final, err := waitForTerminal(ctx, rt, spec.ID)
		if err != nil {
			return err
		}
		if final == model.SpecFailed {
			return fmt.Errorf("spec %s finished with status %s", spec.ID, final)
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "spec %s finished: %s\n", spec.ID, final)
		return nil
	})
}

// sinkRunner adapts a *sequencer.Sequencer to orchestrator.SpecRunner with a
// fixed sink baked in: the Orchestrator calls Run with a nil sink (it has no
// per-spec caller to forward events to), but a CLI run still wants its
// logging/notification sinks attached to whichever worker goroutine the
// Orchestrator dispatches this spec onto.
type sinkRunner struct {
	seq  *sequencer.Sequencer
	sink sequencer.Sink
}

func (r *sinkRunner) Run(ctx context.Context, spec *model.Spec, _ sequencer.Sink) model.SpecStatus {
	return r.seq.Run(ctx, spec, r.sink)
}

// waitForTerminal polls the repository for spec's terminal status. The
// Orchestrator runs workers on its own goroutines; a one-shot CLI process
// has nothing else to drive, so it polls rather than subscribing to an
// event stream meant for long-running servers.
func waitForTerminal(ctx context.Context, rt *runtime, specID string) (model.SpecStatus, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			spec, err := rt.repo.GetSpec(ctx, specID)
			if err != nil {
				return "", fmt.Errorf("polling spec status: %w", err)
			}
			if spec.IsTerminal() {
				return spec.Status, nil
			}
		}
	}
}
