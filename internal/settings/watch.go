package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cjeanneret/BlotCam/internal/debug"
	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 100 * time.Millisecond

// Watch reloads the settings file after external edits until ctx is done.
// The parent directory is watched because atomic renames replace the inode.
// Invalid external content is logged and ignored.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("settings watcher: watch %s: %w", dir, err)
	}
	debug.Info("Watching %s for changes", s.path)

	name := filepath.Base(s.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, s.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			debug.Warn("settings watcher: %v", err)
		}
	}
}

// reload picks up the file content if it is valid and differs from memory.
func (s *Store) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		debug.Warn("ignoring external settings change: %v", err)
		return
	}
	if st == s.current {
		return
	}
	debug.Info("Settings reloaded from disk: exposure_time_ms=%d", st.ExposureTimeMs)
	s.current = st
}
