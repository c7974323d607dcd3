// Package health provides dependency health checks for the specforge core.
// It validates that the reviewer CLI, git CLI, and executor backend are
// reachable, returning structured reports used by a "doctor" command
// (SPEC_FULL.md §4.10).
package health

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
}

// Report aggregates every check run by RunChecks.
type Report struct {
	Checks []CheckResult
	Passed bool
}

// CheckConfig supplies the values needed to reach the configured backends.
type CheckConfig struct {
	ReviewerCLIPath string
	ExecutorEndpoint string
}

// RunChecks runs every health check and returns an aggregate report.
func RunChecks(ctx context.Context, cfg CheckConfig) *Report {
	report := &Report{Passed: true}

	checks := []CheckResult{
		CheckReviewerCLI(cfg.ReviewerCLIPath),
		CheckGitCLI(),
		CheckExecutorEndpoint(ctx, cfg.ExecutorEndpoint),
	}
	for _, c := range checks {
		report.Checks = append(report.Checks, c)
		if !c.Passed {
			report.Passed = false
		}
	}
	return report
}

// CheckReviewerCLI verifies the reviewer's child-process CLI is on PATH.
func CheckReviewerCLI(cliPath string) CheckResult {
	if cliPath == "" {
		cliPath = "claude"
	}
	path, err := exec.LookPath(cliPath)
	if err != nil {
		return CheckResult{
			Name:    "Reviewer CLI",
			Passed:  false,
			Message: fmt.Sprintf("%q not found in PATH", cliPath),
		}
	}
	return CheckResult{
		Name:    "Reviewer CLI",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// CheckGitCLI verifies the git CLI is available, used for worktree porcelain
// that go-git does not cover (SPEC_FULL.md §4.9).
func CheckGitCLI() CheckResult {
	path, err := exec.LookPath("git")
	if err != nil {
		return CheckResult{
			Name:    "Git CLI",
			Passed:  false,
			Message: "git not found in PATH",
		}
	}
	return CheckResult{
		Name:    "Git CLI",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// CheckExecutorEndpoint verifies the executor backend's health endpoint responds.
func CheckExecutorEndpoint(ctx context.Context, endpoint string) CheckResult {
	if endpoint == "" {
		return CheckResult{Name: "Executor endpoint", Passed: false, Message: "no endpoint configured"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"/global/health", nil)
	if err != nil {
		return CheckResult{Name: "Executor endpoint", Passed: false, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Executor endpoint",
			Passed:  false,
			Message: fmt.Sprintf("%s unreachable: %v", endpoint, err),
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return CheckResult{
			Name:    "Executor endpoint",
			Passed:  false,
			Message: fmt.Sprintf("%s returned status %d", endpoint, resp.StatusCode),
		}
	}
	return CheckResult{
		Name:    "Executor endpoint",
		Passed:  true,
		Message: fmt.Sprintf("%s reachable", endpoint),
	}
}

// FormatReport renders a report for console output.
func FormatReport(report *Report) string {
	var out string
	for _, c := range report.Checks {
		mark := "✓"
		if !c.Passed {
			mark = "✗"
		}
		out += fmt.Sprintf("%s %s: %s\n", mark, c.Name, c.Message)
	}
	return out
}
