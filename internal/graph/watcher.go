package graph

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRegistry invalidates the registry cache whenever registry.json is
// rewritten by another process (for example `omg dedup` run from a second
// shell while the host process is live). The in-process mutex only serialises
// writers inside one process; this keeps long-lived readers coherent across
// processes. Blocks until ctx is cancelled.
func WatchRegistry(ctx context.Context, reg *Registry) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: atomic rename replaces the inode.
	if err := w.Add(reg.Root()); err != nil {
		return err
	}

	target := filepath.Join(reg.Root(), RegistryFile)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				slog.Debug("registry: external change, invalidating cache", "op", ev.Op.String())
				reg.Invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("registry: watcher error", "error", err)
		}
	}
}
