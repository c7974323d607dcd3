// Package specfile loads the YAML file describing a Spec's chunks, the
// input format `specforge spec run`/`spec queue` take on the command line.
// Decomposing a human spec into chunks is out of the core's scope
// (SPEC_FULL.md §1 Non-goals); this is the on-disk shape the core expects
// once that decomposition has already happened, generalized from the
// teacher's layered DAG file (internal/dag.DAGConfig) down to a single
// spec's flat chunk list.
package specfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the root of a spec chunk file.
type File struct {
	// SchemaVersion is the file format version, e.g. "1.0".
	SchemaVersion string `yaml:"schema_version"`
	// Title is the human title assigned to the Spec.
	Title string `yaml:"title"`
	// Content is the markdown spec body stored on the Spec record.
	Content string `yaml:"content,omitempty"`
	// Chunks is the ordered set of chunks to create, in file order.
	Chunks []Chunk `yaml:"chunks"`
}

// Chunk is one task unit. ID is a file-local key used only to resolve
// DependsOn edges at load time; it is not the Chunk's persisted id.
type Chunk struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// Load reads and validates a spec file from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing spec file %s: %w", path, err)
	}
	if f.Title == "" {
		return nil, fmt.Errorf("%s: title is required", path)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Chunks))
	for _, c := range f.Chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk %q: id is required", c.Title)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate chunk id %q", c.ID)
		}
		seen[c.ID] = true
	}
	for _, c := range f.Chunks {
		for _, dep := range c.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("chunk %q depends on unknown chunk %q", c.ID, dep)
			}
		}
	}
	return nil
}
