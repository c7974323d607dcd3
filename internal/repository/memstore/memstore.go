// Package memstore is an in-memory reference implementation of
// repository.Repository, used by tests and standalone runs of the core
// without an external persistence layer (SPEC_FULL.md §4.10).
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/repository"
)

// Store is a mutex-guarded in-memory Repository.
type Store struct {
	mu sync.Mutex

	projects  map[string]*model.Project
	specs     map[string]*model.Spec
	chunks    map[string]*model.Chunk
	toolCalls map[string]*model.ToolCall
	reviews   map[string][]*model.ReviewLog
	workers   map[string]*model.Worker // keyed by specID
	queue     []*model.QueueItem

	subs map[string][]chan repository.ChangeEvent // keyed by specID
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		projects:  make(map[string]*model.Project),
		specs:     make(map[string]*model.Spec),
		chunks:    make(map[string]*model.Chunk),
		toolCalls: make(map[string]*model.ToolCall),
		reviews:   make(map[string][]*model.ReviewLog),
		workers:   make(map[string]*model.Worker),
		subs:      make(map[string][]chan repository.ChangeEvent),
	}
}

var _ repository.Repository = (*Store)(nil)

func notFound(what, id string) error {
	return coreerrors.New(coreerrors.KindNotFound, what+" not found: "+id)
}

func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := clockNow()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return notFound("project", id)
	}
	delete(s.projects, id)
	for specID, spec := range s.specs {
		if spec.ProjectID == id {
			delete(s.specs, specID)
		}
	}
	return nil
}

func (s *Store) CreateSpec(ctx context.Context, sp *model.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	now := clockNow()
	sp.CreatedAt, sp.UpdatedAt = now, now
	if sp.Status == "" {
		sp.Status = model.SpecDraft
	}
	sp.Version = 1
	cp := *sp
	s.specs[sp.ID] = &cp
	return nil
}

func (s *Store) GetSpec(ctx context.Context, id string) (*model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specs[id]
	if !ok {
		return nil, notFound("spec", id)
	}
	cp := *sp
	return &cp, nil
}

func (s *Store) UpdateSpec(ctx context.Context, sp *model.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.specs[sp.ID]
	if !ok {
		return notFound("spec", sp.ID)
	}
	sp.Version = existing.Version + 1
	sp.UpdatedAt = clockNow()
	cp := *sp
	s.specs[sp.ID] = &cp
	return nil
}

func (s *Store) ListSpecsByProject(ctx context.Context, projectID string) ([]*model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Spec
	for _, sp := range s.specs {
		if sp.ProjectID == projectID {
			cp := *sp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateChunk(ctx context.Context, c *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createChunkLocked(c)
}

func (s *Store) createChunkLocked(c *model.Chunk) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if len(c.DependsOn) > 0 && s.wouldCreateCycleLocked(c.ID, c.DependsOn) {
		return coreerrors.New(coreerrors.KindInvariant,
			fmt.Sprintf("chunk %q's dependencies would form a cycle", c.ID))
	}
	if c.Status == "" {
		c.Status = model.ChunkPending
	}
	now := clockNow()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Order == 0 {
		max := 0
		for _, other := range s.chunks {
			if other.SpecID == c.SpecID && other.Order > max {
				max = other.Order
			}
		}
		c.Order = max + 1
	}
	cp := *c
	s.chunks[c.ID] = &cp
	return nil
}

// wouldCreateCycleLocked reports whether inserting a chunk identified by
// newID, depending on dependsOn, would close a cycle in the dependency
// graph. The graph as stored is always already acyclic (every chunk is
// checked at creation time, and DependsOn can never be patched after the
// fact via UpdateChunk), so a cycle can only be introduced by the chunk
// being inserted right now — it exists iff newID is reachable by following
// DependsOn edges outward from one of its own proposed dependencies.
func (s *Store) wouldCreateCycleLocked(newID string, dependsOn []string) bool {
	visited := make(map[string]bool)
	var reaches func(id string) bool
	reaches = func(id string) bool {
		if id == newID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		c, ok := s.chunks[id]
		if !ok {
			return false
		}
		for _, dep := range c.DependsOn {
			if reaches(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range dependsOn {
		if reaches(dep) {
			return true
		}
	}
	return false
}

func (s *Store) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return nil, notFound("chunk", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetChunksBySpec(ctx context.Context, specID string) ([]*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksBySpecLocked(specID), nil
}

func (s *Store) chunksBySpecLocked(specID string) []*model.Chunk {
	var out []*model.Chunk
	for _, c := range s.chunks {
		if c.SpecID == specID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) UpdateChunk(ctx context.Context, id string, patch repository.ChunkPatch) (*model.Chunk, error) {
	s.mu.Lock()
	c, ok := s.chunks[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound("chunk", id)
	}
	statusChanged := false
	if patch.Status != nil && *patch.Status != c.Status {
		c.Status = *patch.Status
		statusChanged = true
	}
	if patch.Output != nil {
		c.Output = *patch.Output
	}
	if patch.Error != nil {
		c.Error = *patch.Error
	}
	if patch.ReviewStatus != nil {
		c.ReviewStatus = *patch.ReviewStatus
	}
	if patch.ReviewFeedback != nil {
		c.ReviewFeedback = *patch.ReviewFeedback
	}
	if patch.CommitHash != nil {
		c.CommitHash = *patch.CommitHash
	}
	if patch.Attempts != nil {
		c.Attempts = *patch.Attempts
	}
	c.UpdatedAt = clockNow()
	cp := *c
	specID := c.SpecID
	s.mu.Unlock()

	if statusChanged {
		s.publish(specID, repository.ChangeEvent{SpecID: specID, ChunkID: id, Status: cp.Status})
	}
	return &cp, nil
}

func (s *Store) ReorderChunks(ctx context.Context, specID string, orderedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range orderedIDs {
		c, ok := s.chunks[id]
		if !ok || c.SpecID != specID {
			return coreerrors.New(coreerrors.KindInvariant, "reorderChunks: chunk not in spec: "+id)
		}
	}
	for i, id := range orderedIDs {
		c := s.chunks[id]
		c.Order = i + 1
		c.UpdatedAt = clockNow()
	}
	return nil
}

func (s *Store) InsertFixChunk(ctx context.Context, parentID string, input repository.FixChunkInput) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.chunks[parentID]
	if !ok {
		return nil, notFound("chunk", parentID)
	}
	fix := &model.Chunk{
		SpecID:        parent.SpecID,
		Title:         input.Title,
		Description:   input.Description,
		Order:         parent.Order,
		ParentChunkID: parent.ID,
		DependsOn:     input.DependsOn,
	}
	if err := s.createChunkLocked(fix); err != nil {
		return nil, err
	}
	cp := *fix
	return &cp, nil
}

func (s *Store) CreateToolCall(ctx context.Context, tc *model.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	now := clockNow()
	tc.CreatedAt, tc.UpdatedAt = now, now
	cp := *tc
	s.toolCalls[tc.ID] = &cp
	return nil
}

func (s *Store) UpdateToolCall(ctx context.Context, id string, status model.ToolCallStatus, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.toolCalls[id]
	if !ok {
		return notFound("toolcall", id)
	}
	tc.Status = status
	if output != "" {
		tc.Output = output
	}
	tc.UpdatedAt = clockNow()
	return nil
}

func (s *Store) GetToolCallsByChunk(ctx context.Context, chunkID string) ([]*model.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ToolCall
	for _, tc := range s.toolCalls {
		if tc.ChunkID == chunkID {
			cp := *tc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateReviewLog(ctx context.Context, rl *model.ReviewLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl.ID == "" {
		rl.ID = uuid.NewString()
	}
	rl.CreatedAt = clockNow()
	cp := *rl
	s.reviews[rl.ChunkID] = append(s.reviews[rl.ChunkID], &cp)
	return nil
}

func (s *Store) GetReviewLogsByChunk(ctx context.Context, chunkID string) ([]*model.ReviewLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.reviews[chunkID]
	out := make([]*model.ReviewLog, len(logs))
	copy(out, logs)
	return out, nil
}

func (s *Store) UpsertWorker(ctx context.Context, w *model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		if existing, ok := s.workers[w.SpecID]; ok {
			w.ID = existing.ID
		} else {
			w.ID = uuid.NewString()
		}
	}
	cp := *w
	s.workers[w.SpecID] = &cp
	return nil
}

func (s *Store) GetWorker(ctx context.Context, specID string) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[specID]
	if !ok {
		return nil, notFound("worker", specID)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListNonTerminalWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Worker
	for _, w := range s.workers {
		if !w.IsTerminal() {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) EnqueueSpec(ctx context.Context, item *model.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.queue {
		if existing.SpecID == item.SpecID {
			return coreerrors.New(coreerrors.KindInvariant, "spec already queued: "+item.SpecID)
		}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.EnqueuedAt = clockNow()
	cp := *item
	s.queue = append(s.queue, &cp)
	return nil
}

func (s *Store) DequeueSpec(ctx context.Context) (*model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, notFound("queue item", "")
	}
	best := 0
	for i, it := range s.queue[1:] {
		idx := i + 1
		if it.Priority > s.queue[best].Priority ||
			(it.Priority == s.queue[best].Priority && it.EnqueuedAt.Before(s.queue[best].EnqueuedAt)) {
			best = idx
		}
	}
	item := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	return item, nil
}

func (s *Store) RemoveQueueItem(ctx context.Context, specID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.queue {
		if it.SpecID == specID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) ListQueue(ctx context.Context) ([]*model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.QueueItem, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, specID string) <-chan repository.ChangeEvent {
	ch := make(chan repository.ChangeEvent, 32)
	s.mu.Lock()
	s.subs[specID] = append(s.subs[specID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[specID]
		for i, c := range subs {
			if c == ch {
				s.subs[specID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *Store) publish(specID string, ev repository.ChangeEvent) {
	s.mu.Lock()
	subs := append([]chan repository.ChangeEvent(nil), s.subs[specID]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func clockNow() time.Time {
	return time.Now()
}
