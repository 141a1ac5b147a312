package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moltbunker/stakedash/internal/logging"
)

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to fn.
// Invalid edits are logged and skipped; the previous config stays in effect.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	path = filepath.Clean(expandPath(path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", logging.Component("config"), logging.Err(err))
		case <-timer.C:
			// Mid-rename; Load would fall back to defaults.
			if _, err := os.Stat(path); err != nil {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logging.Warn("config reload rejected", logging.Component("config"), logging.Err(err))
				continue
			}
			logging.Info("config reloaded", logging.Component("config"), "path", path)
			fn(cfg)
		}
	}
}
