package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchStore re-reads the store whenever the file at path, or a sibling
// such as its WAL, changes. Writes by other processes raise no signal.
func (b *Bridge) WatchStore(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("watch store: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	base := filepath.Base(abs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				b.requestReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}

func relevant(name, base string) bool {
	if !strings.HasPrefix(name, base) {
		return false
	}
	// reads touch these, so reacting to them would loop
	return !strings.HasSuffix(name, ".lock") && !strings.HasSuffix(name, "-shm")
}
