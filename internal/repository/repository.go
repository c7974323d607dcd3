// Package repository defines the typed persistence boundary the core
// consumes (SPEC_FULL.md §4.7). The core never implements durable storage;
// it is handed a Repository and issues typed operations against it. A
// reference in-memory implementation for tests lives in internal/repository/memstore.
package repository

import (
	"context"

	"github.com/ariel-frischer/specforge/internal/model"
)

// ChunkPatch is a partial update applied atomically by UpdateChunk.
// Nil fields are left unchanged.
type ChunkPatch struct {
	Status         *model.ChunkStatus
	Output         *string
	Error          *string
	ReviewStatus   *model.ReviewStatus
	ReviewFeedback *string
	CommitHash     *string
	Attempts       *int
}

// FixChunkInput describes a fix chunk to be inserted atomically alongside
// linking it to its parent.
type FixChunkInput struct {
	Title       string
	Description string
	DependsOn   []string
}

// ChangeEvent is published whenever a chunk's persisted state changes,
// consumed by event fan-out (SPEC_FULL.md §4.7, §9 "subscriber fan-out").
type ChangeEvent struct {
	SpecID  string
	ChunkID string
	Status  model.ChunkStatus
}

// Repository is the synchronous, transactional persistence boundary for
// every entity in SPEC_FULL.md §3.
type Repository interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateSpec(ctx context.Context, s *model.Spec) error
	GetSpec(ctx context.Context, id string) (*model.Spec, error)
	UpdateSpec(ctx context.Context, s *model.Spec) error
	ListSpecsByProject(ctx context.Context, projectID string) ([]*model.Spec, error)

	// CreateChunk inserts a chunk, assigning it the next order slot.
	CreateChunk(ctx context.Context, c *model.Chunk) error
	GetChunk(ctx context.Context, id string) (*model.Chunk, error)
	// GetChunksBySpec returns chunks in Order ascending.
	GetChunksBySpec(ctx context.Context, specID string) ([]*model.Chunk, error)
	// UpdateChunk applies patch atomically and publishes a ChangeEvent if Status changed.
	UpdateChunk(ctx context.Context, id string, patch ChunkPatch) (*model.Chunk, error)
	// ReorderChunks applies the new total order in a single transaction.
	// Testable property 4 in SPEC_FULL.md §8: a subsequent GetChunksBySpec
	// returns exactly orderedIDs in that order.
	ReorderChunks(ctx context.Context, specID string, orderedIDs []string) error
	// InsertFixChunk atomically creates a child chunk linked to parentID.
	InsertFixChunk(ctx context.Context, parentID string, input FixChunkInput) (*model.Chunk, error)

	CreateToolCall(ctx context.Context, tc *model.ToolCall) error
	UpdateToolCall(ctx context.Context, id string, status model.ToolCallStatus, output string) error
	GetToolCallsByChunk(ctx context.Context, chunkID string) ([]*model.ToolCall, error)

	CreateReviewLog(ctx context.Context, rl *model.ReviewLog) error
	GetReviewLogsByChunk(ctx context.Context, chunkID string) ([]*model.ReviewLog, error)

	UpsertWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, specID string) (*model.Worker, error)
	// ListNonTerminalWorkers supports orchestrator restart reconciliation (SPEC_FULL.md §4.3).
	ListNonTerminalWorkers(ctx context.Context) ([]*model.Worker, error)

	EnqueueSpec(ctx context.Context, item *model.QueueItem) error
	DequeueSpec(ctx context.Context) (*model.QueueItem, error)
	RemoveQueueItem(ctx context.Context, specID string) error
	ListQueue(ctx context.Context) ([]*model.QueueItem, error)

	// Subscribe returns a channel of ChangeEvents for the given spec. The
	// channel is closed when ctx is done.
	Subscribe(ctx context.Context, specID string) <-chan ChangeEvent
}
