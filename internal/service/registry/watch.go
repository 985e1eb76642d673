package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events from one save.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so that editors which replace the file by
// rename are still observed. Reload failures are logged and the previous
// catalog stays in effect.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.opts.CatalogPath == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	target, err := filepath.Abs(r.opts.CatalogPath)
	if err != nil {
		return fmt.Errorf("registry: resolve catalog path: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("registry: watch %s: %w", filepath.Dir(target), err)
	}
	r.logger.Info("registry: watching catalog", "path", target)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry: watcher error", "error", err)
		case <-timer.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("registry: catalog reload failed, keeping previous catalog", "error", err)
				continue
			}
		}
	}
}
