package config

import "time"

// Defaults for every knob named in SPEC_FULL.md §4.8/§6.3.
const (
	DefaultExecutorEndpoint    = "http://localhost:4096"
	DefaultExecutorTimeout     = 15 * time.Minute
	DefaultExecutorMaxTokens   = 8192
	DefaultReviewerTimeout     = 2 * time.Minute
	DefaultReviewerCLIPath     = "claude"
	DefaultMaxIterations       = 5
	DefaultMaxIterationsCeil   = 20
	DefaultMaxConcurrency      = 3
	DefaultBaseBranch          = "main"
	DefaultFinalReviewPasses   = 2
	DefaultStaleWorktreeAge    = 7 * 24 * time.Hour
	DefaultCancelAbortGrace    = 10 * time.Second
	DefaultChildKillGrace      = 5 * time.Second
	DefaultReconnectAttempts   = 5
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultTransientRetryDelay = 2 * time.Second
)

// GetDefaults returns the default koanf-keyed configuration map.
func GetDefaults() map[string]any {
	return map[string]any{
		"executor.endpoint":    DefaultExecutorEndpoint,
		"executor.model":       "",
		"executor.timeout":     int(DefaultExecutorTimeout.Seconds()),
		"executor.max_tokens":  DefaultExecutorMaxTokens,
		"planner.cli_path":     "claude",
		"reviewer.cli_path":    DefaultReviewerCLIPath,
		"reviewer.auto_approve": false,
		"max_iterations":       DefaultMaxIterations,
		"orchestrator.max_concurrency": DefaultMaxConcurrency,
		"git.base_branch":       DefaultBaseBranch,
		"git.worktrees_enabled": true,
		"git.push_pr_enabled":   true,
		"final_review.enabled":  false,
		"final_review.max_passes": DefaultFinalReviewPasses,
		"validate.auto_fail_on_no_changes": false,
		"fail_fast": false,
		"notify.enabled":            false,
		"notify.type":               "both",
		"notify.on_command_complete": true,
		"notify.on_error":           true,
	}
}
