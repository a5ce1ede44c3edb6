package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events a single save produces.
var watchDebounce = 250 * time.Millisecond

// Watch calls onChange with the newly loaded Config whenever the file at path
// settles with new content. It runs until ctx is cancelled.
//
// The parent directory is watched so atomic saves (write temp, rename) are
// seen. Events are debounced, and a reload whose bytes hash the same as the
// last applied file is skipped. A reload that fails to parse or validate is
// logged and onChange is not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}
	applied := xxhash.Sum64(data)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	slog.Info("config: watching for changes", "path", path, "debounce", watchDebounce)

	timer := time.NewTimer(watchDebounce)
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(watchDebounce)

		case <-timer.C:
			data, err := os.ReadFile(path)
			if err != nil {
				// Mid-rename; the Create that follows re-arms the timer.
				slog.Debug("config: reload deferred", "path", path, "err", err)
				continue
			}
			sum := xxhash.Sum64(data)
			if sum == applied {
				continue
			}
			cfg, err := Parse(data)
			if err != nil {
				slog.Error("config: reload rejected, keeping previous config",
					"path", path, "err", err)
				continue
			}
			applied = sum
			slog.Info("config: reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
