package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands the
// new config to onChange. Reloads that fail to parse are logged and skipped,
// as are reloads whose content hash did not change. The parent directory is
// watched so editors that save via rename are picked up.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	lastHash := ""
	if cur, err := Load(abs); err == nil {
		lastHash = cur.Hash()
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				slog.Warn("config.reload_failed", "path", abs, "error", err)
				continue
			}
			h := cfg.Hash()
			if h == lastHash {
				continue
			}
			lastHash = h
			slog.Info("config reloaded", "path", abs, "hash", h)
			onChange(cfg)
		}
	}
}
