package config

import "fmt"

// Validate checks a loaded Configuration against the bounds named in
// SPEC_FULL.md §6.3 (max_iterations ceiling, positive concurrency, etc).
func Validate(cfg *Configuration) error {
	if cfg.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", cfg.MaxIterations)
	}
	if cfg.MaxIterations > DefaultMaxIterationsCeil {
		return fmt.Errorf("max_iterations must be <= %d, got %d", DefaultMaxIterationsCeil, cfg.MaxIterations)
	}
	if cfg.Orchestrator.MaxConcurrency < 1 {
		return fmt.Errorf("orchestrator.max_concurrency must be >= 1, got %d", cfg.Orchestrator.MaxConcurrency)
	}
	if cfg.Executor.Endpoint == "" {
		return fmt.Errorf("executor.endpoint must not be empty")
	}
	if cfg.Reviewer.CLIPath == "" {
		return fmt.Errorf("reviewer.cli_path must not be empty")
	}
	if cfg.Git.BaseBranch == "" {
		return fmt.Errorf("git.base_branch must not be empty")
	}
	if cfg.FinalReview.Enabled && cfg.FinalReview.MaxPasses < 1 {
		return fmt.Errorf("final_review.max_passes must be >= 1 when final_review.enabled, got %d", cfg.FinalReview.MaxPasses)
	}
	return nil
}
