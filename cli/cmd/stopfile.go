package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// stopFilePoll re-checks the stop file in case a watch event was missed.
const stopFilePoll = time.Second

// watchStopFile returns a channel closed once path is created or written.
// A stop file left over from an earlier session is removed first. The
// watch ends with ctx.
func watchStopFile(ctx context.Context, path string) (<-chan struct{}, error) {
	path = filepath.Clean(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale stop file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create stop file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch stop file directory: %w", err)
	}

	fired := make(chan struct{})
	go func() {
		defer func() { _ = watcher.Close() }()
		poll := time.NewTicker(stopFilePoll)
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == path && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
					close(fired)
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-poll.C:
				if _, err := os.Stat(path); err == nil {
					close(fired)
					return
				}
			}
		}
	}()
	return fired, nil
}
