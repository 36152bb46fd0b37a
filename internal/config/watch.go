package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/tabrelay/internal/logging"
)

// Watch reloads the config file whenever it changes and passes the result to onChange.
// The parent directory is watched so editors that replace the file by rename are seen.
// Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			c, err := LoadFile(abs)
			if err == nil {
				err = ApplyEnv(&c)
			}
			if err != nil {
				logging.Warnf("[config] reload of %s skipped: %v", abs, err)
				continue
			}
			logging.Infof("[config] reloaded %s", abs)
			onChange(c)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("[config] watcher error: %v", err)
		}
	}
}
