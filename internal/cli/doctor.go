package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ariel-frischer/specforge/internal/config"
	"github.com/ariel-frischer/specforge/internal/health"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the reviewer CLI, git, and executor backend are reachable",
	Long: `Doctor runs the same preconditions a spec run depends on without
driving any chunks: the reviewer CLI is on PATH, git is on PATH, and the
configured executor endpoint answers its health check.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagProjectID)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	report := health.RunChecks(cmd.Context(), health.CheckConfig{
		ReviewerCLIPath:  cfg.Reviewer.CLIPath,
		ExecutorEndpoint: cfg.Executor.Endpoint,
	})

	out := cmd.OutOrStdout()
	for _, c := range report.Checks {
		symbol := color.New(color.FgGreen).Sprint("ok")
		if !c.Passed {
			symbol = color.New(color.FgRed).Sprint("fail")
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", symbol, c.Name, c.Message)
	}

	if !report.Passed {
		return fmt.Errorf("one or more health checks failed")
	}
	fmt.Fprintln(out, "all checks passed")
	return nil
}
