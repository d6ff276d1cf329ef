// Package watcher reloads small YAML files (flights, directory snapshots) when they change on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with the watched path after it changes.
type ReloadFunc func(path string) error

// Watcher watches a single file and calls a reload function on write/create/rename.
// The parent directory is watched so editors that replace the file atomically still trigger.
type Watcher struct {
	path     string
	reload   ReloadFunc
	debounce time.Duration
	log      *slog.Logger
}

// New creates a watcher for path.
func New(path string, reload ReloadFunc) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		reload:   reload,
		debounce: 200 * time.Millisecond,
		log:      slog.With("component", "watcher", "path", path),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.log.Debug("fsnotify event", "op", event.Op.String())
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			if err := w.reload(w.path); err != nil {
				w.log.Warn("reload failed, keeping previous contents", "error", err)
				continue
			}
			w.log.Info("reloaded")
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("fsnotify error", "error", err)
		}
	}
}
