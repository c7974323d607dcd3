// Package config provides hierarchical configuration management for the
// specforge core using koanf. Configuration is loaded with priority:
// environment variables > project config ($HOME/.specforge/projects/<id>/config.yaml)
// > user config (XDG config dir) > defaults, per SPEC_FULL.md §4.8/§6.3.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ariel-frischer/specforge/internal/notify"
)

// ExecutorConfig configures the long-running HTTP+SSE executor backend (SPEC_FULL.md §4.4).
type ExecutorConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Model     string `koanf:"model"`
	Timeout   int    `koanf:"timeout"` // seconds
	MaxTokens int    `koanf:"max_tokens"`
}

// PlannerConfig configures the planner CLI path (consumed by the out-of-scope studio).
type PlannerConfig struct {
	CLIPath string `koanf:"cli_path"`
}

// ReviewerConfig configures the short-lived child-process reviewer backend (SPEC_FULL.md §4.5).
type ReviewerConfig struct {
	CLIPath     string `koanf:"cli_path"`
	AutoApprove bool   `koanf:"auto_approve"`
}

// OrchestratorConfig configures the bounded worker pool (SPEC_FULL.md §4.3).
type OrchestratorConfig struct {
	MaxConcurrency int `koanf:"max_concurrency"`
}

// GitConfig configures GitWorkspace behavior (SPEC_FULL.md §4.6).
type GitConfig struct {
	BaseBranch       string `koanf:"base_branch"`
	WorktreesEnabled bool   `koanf:"worktrees_enabled"`
	// PushAndOpenPR controls the sequencer's post-spec git surround
	// (push the spec branch and open a PR once at least one chunk
	// committed). Defaults true; set push_pr_enabled: false to run
	// local-only.
	PushAndOpenPR bool `koanf:"push_pr_enabled"`
}

// FinalReviewConfig configures the SpecSequencer's optional final review pass (SPEC_FULL.md §4.2).
type FinalReviewConfig struct {
	Enabled   bool `koanf:"enabled"`
	MaxPasses int  `koanf:"max_passes"`
}

// ValidateConfig configures ChunkPipeline's Validate stage policy (SPEC_FULL.md Open Question 2).
type ValidateConfig struct {
	AutoFailOnNoChanges bool `koanf:"auto_fail_on_no_changes"`
	BuildCommand        string `koanf:"build_command"`
	BuildFatal          bool   `koanf:"build_fatal"`
}

// Configuration is the specforge core configuration.
type Configuration struct {
	Executor     ExecutorConfig     `koanf:"executor"`
	Planner      PlannerConfig      `koanf:"planner"`
	Reviewer     ReviewerConfig     `koanf:"reviewer"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Git          GitConfig          `koanf:"git"`
	FinalReview  FinalReviewConfig  `koanf:"final_review"`
	Validate     ValidateConfig     `koanf:"validate"`
	Notify       notify.NotificationConfig `koanf:"notify"`

	// MaxIterations bounds fix-chunk lineages per spec.md §4.2 (default 5, ceiling 20 per §6.3).
	MaxIterations int `koanf:"max_iterations"`
	// FailFast aborts a spec on the first non-retryable chunk failure (§4.2).
	FailFast bool `koanf:"fail_fast"`
}

// ExecutorTimeout returns the configured executor stage timeout as a duration.
func (c *Configuration) ExecutorTimeout() time.Duration {
	if c.Executor.Timeout <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Executor.Timeout) * time.Second
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ProjectID selects the project config at $HOME/.specforge/projects/<id>/config.yaml.
	ProjectID string
	// ProjectConfigPath overrides the resolved project config path (primarily for tests).
	ProjectConfigPath string
	// WarningWriter receives non-fatal warnings (default os.Stderr).
	WarningWriter io.Writer
}

// Load loads configuration for the given project id from user, project, and
// environment sources, in that ascending priority order.
func Load(projectID string) (*Configuration, error) {
	return LoadWithOptions(LoadOptions{ProjectID: projectID})
}

// LoadWithOptions loads configuration with custom options.
func LoadWithOptions(opts LoadOptions) (*Configuration, error) {
	k := koanf.New(".")

	for key, value := range GetDefaults() {
		k.Set(key, value)
	}

	if userPath, err := UserConfigPath(); err == nil && fileExists(userPath) {
		if err := loadYAML(k, userPath); err != nil {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectPath := opts.ProjectConfigPath
	if projectPath == "" && opts.ProjectID != "" {
		p, err := ProjectConfigPath(opts.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("resolving project config path: %w", err)
		}
		projectPath = p
	}
	if projectPath != "" && fileExists(projectPath) {
		if err := loadYAML(k, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := k.Load(env.Provider("SPECFORGE_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment config: %w", err)
	}

	var cfg Configuration
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadYAML(k *koanf.Koanf, path string) error {
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// envTransform converts SPECFORGE_EXECUTOR__ENDPOINT -> executor.endpoint,
// mirroring the double-underscore-as-dot convention koanf's env provider expects.
func envTransform(s string) string {
	lowered := strings.ToLower(strings.TrimPrefix(s, "SPECFORGE_"))
	return strings.ReplaceAll(lowered, "__", ".")
}

// Save writes the configuration to the given path as YAML, creating parent
// directories as needed.
func Save(cfg *Configuration, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
