package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of write events most editors emit
// when saving into one reload.
const reloadDebounce = 500 * time.Millisecond

// WatchPolicy watches the gate config file and calls reload on change.
// The parent directory is watched so atomic-rename saves are seen. A
// failed reload logs and keeps the previous config. Blocks until ctx is
// cancelled.
func WatchPolicy(ctx context.Context, path string, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("server: watch %s: %w", dir, err)
	}

	// Single debounce timer, reset on each event. Starts stopped.
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			if err := reload(); err != nil {
				fmt.Fprintf(os.Stderr, "sandarb: policy reload failed, keeping previous config: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "sandarb: policy reloaded from %s\n", path)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "sandarb: policy watcher error: %v\n", err)
		}
	}
}
