package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/progress"
	"github.com/ariel-frischer/specforge/internal/sequencer"
)

var specRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a spec file's chunks to completion",
	Long: `Run parses a spec chunk file, seeds an in-memory project and spec,
and drives every chunk through execute -> validate -> review -> commit in
dependency order, blocking until the spec reaches a terminal state.`,
	Example: `  specforge spec run myspec.yaml
  specforge spec run --project demo myspec.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSpecRun,
}

func init() {
	specCmd.AddCommand(specRunCmd)
}

func runSpecRun(cmd *cobra.Command, args []string) error {
	path := abs(args[0])

	rt, err := newRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := setupSignalHandler(cmd.Context())
	defer cancel()

	var status model.SpecStatus
	runErr := rt.lifecycleWrap("spec-run", func() error {
		spec, err := rt.seed(ctx, path)
		if err != nil {
			return err
		}

		seq := sequencer.New(rt.repo, rt.pipe, rt.git, rt.sequencerPolicy())
		renderer := progress.NewRenderer(cmd.OutOrStdout())
		status = seq.Run(ctx, spec, chainSinks(renderer.Sink(), loggingSink(rt), rt.notifySink(spec.Title)))
		if status == model.SpecFailed {
			return fmt.Errorf("spec %s finished with status %s", spec.ID, status)
		}
		return nil
	})

	if runErr != nil {
		color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "spec run failed: %v\n", runErr)
		return runErr
	}
	return nil
}

// chainSinks fans one sequencer.Event out to every sink in order.
func chainSinks(sinks ...sequencer.Sink) sequencer.Sink {
	return func(ev sequencer.Event) {
		for _, s := range sinks {
			s(ev)
		}
	}
}

func loggingSink(rt *runtime) sequencer.Sink {
	return func(ev sequencer.Event) {
		rt.logger.Debug().Str("type", string(ev.Type)).Str("spec", ev.SpecID).Str("chunk", ev.ChunkID).Msg(ev.Message)
	}
}

func setupSignalHandler(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nreceived interrupt, cancelling run...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
