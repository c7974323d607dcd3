package specfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesChunksAndDependencies(t *testing.T) {
	path := writeFile(t, `
schema_version: "1.0"
title: Add login flow
chunks:
  - id: model
    title: Add user model
    description: Create the User struct and migration.
  - id: handler
    title: Add login handler
    description: Wire the login HTTP handler.
    depends_on: [model]
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Add login flow", f.Title)
	require.Len(t, f.Chunks, 2)
	assert.Equal(t, "model", f.Chunks[0].ID)
	assert.Empty(t, f.Chunks[0].DependsOn)
	assert.Equal(t, []string{"model"}, f.Chunks[1].DependsOn)
}

func TestLoadRejectsMissingTitle(t *testing.T) {
	path := writeFile(t, `
chunks:
  - id: a
    title: A
    description: do a
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title is required")
}

func TestLoadRejectsDuplicateChunkID(t *testing.T) {
	path := writeFile(t, `
title: dup
chunks:
  - id: a
    title: A
    description: do a
  - id: a
    title: A again
    description: do a again
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate chunk id")
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	path := writeFile(t, `
title: broken
chunks:
  - id: a
    title: A
    description: do a
    depends_on: [ghost]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown chunk")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
