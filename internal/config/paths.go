package config

import (
	"os"
	"path/filepath"
)

// ProjectConfigPath returns the path to a project's config file:
// $HOME/.specforge/projects/<projectId>/config.yaml, per SPEC_FULL.md §6.3.
func ProjectConfigPath(projectID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".specforge", "projects", projectID, "config.yaml"), nil
}

// ProjectConfigDir returns the config directory for a project.
func ProjectConfigDir(projectID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".specforge", "projects", projectID), nil
}

// UserConfigPath returns the path to the global user-level config file,
// consulted before any per-project override (XDG-compliant).
func UserConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "specforge", "config.yaml"), nil
}
