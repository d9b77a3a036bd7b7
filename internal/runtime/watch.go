package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// WatchConfig reloads the file at path after it changes and hands each valid
// configuration to apply. Invalid files are logged and skipped. It watches
// the parent directory so atomic renames by editors are seen, and blocks
// until ctx ends.
func WatchConfig(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, apply func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

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
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-timer.C:
			cfg, err := LoadConfig(target)
			if err != nil {
				logger.Error("config reload rejected", "path", target, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", target, "servers", len(cfg.Servers))
			apply(cfg)
		}
	}
}
