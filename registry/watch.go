package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the capability file whenever it changes on disk, so an
// edit takes effect without a process restart. It blocks until ctx ends.
// The parent directory is watched (not the file itself) so editors that
// replace the file atomically still trigger a reload.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Load(); err != nil {
				r.logger.Warn("registry: reload failed", "path", r.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry: watch error", "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
