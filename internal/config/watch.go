package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultDebounce is the quiet period Watch waits for after the last
// change before calling back.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls onChange each time the configuration file inside root is
// written, created or renamed, until ctx is done. Editors often replace
// files, so the directory is watched rather than the file.
func Watch(ctx context.Context, root string, debounce time.Duration, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config: create watcher")
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "config: watch %q", root)
	}
	defer watcher.Close()

	target := filepath.Join(root, FileName)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("config.changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config.watch_error", "error", err)
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
