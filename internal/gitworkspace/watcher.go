package gitworkspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
)

// WorktreeWatcher keeps a cached set of worktree directory names fresh
// between periodic ScanOrphans/ScanStale calls, so external changes to
// worktreeRoot (an operator running `git worktree remove` by hand, or a
// crashed process leaving one behind) are visible without waiting for the
// next scan.
type WorktreeWatcher struct {
	mu     sync.RWMutex
	cached map[string]struct{}
	logger zerolog.Logger
}

// WatchWorktrees starts watching w's worktree root and returns a
// WorktreeWatcher seeded with its current contents. The watch goroutine
// exits when ctx is done.
func (w *Workspace) WatchWorktrees(ctx context.Context, logger zerolog.Logger) (*WorktreeWatcher, error) {
	if err := os.MkdirAll(w.worktreeRoot, 0o755); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "creating worktree root")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "creating worktree watcher")
	}
	if err := watcher.Add(w.worktreeRoot); err != nil {
		watcher.Close()
		return nil, coreerrors.Wrap(coreerrors.KindTransient, err, "watching worktree root")
	}

	ww := &WorktreeWatcher{cached: map[string]struct{}{}, logger: logger}
	entries, _ := os.ReadDir(w.worktreeRoot)
	for _, e := range entries {
		if e.IsDir() {
			ww.cached[e.Name()] = struct{}{}
		}
	}

	go ww.run(ctx, watcher)
	return ww, nil
}

func (ww *WorktreeWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			ww.mu.Lock()
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(ww.cached, name)
			case ev.Op&fsnotify.Create != 0:
				ww.cached[name] = struct{}{}
			}
			ww.mu.Unlock()
			ww.logger.Debug().Str("worktree", name).Str("op", ev.Op.String()).Msg("worktree directory changed")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ww.logger.Warn().Err(err).Msg("worktree watcher error")
		}
	}
}

// Cached returns the worktree directory names currently known to the
// watcher.
func (ww *WorktreeWatcher) Cached() []string {
	ww.mu.RLock()
	defer ww.mu.RUnlock()
	names := make([]string, 0, len(ww.cached))
	for n := range ww.cached {
		names = append(names, n)
	}
	return names
}
