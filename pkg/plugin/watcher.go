package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 300 * time.Millisecond

// Watch reloads r whenever its plugin directory changes, until ctx ends.
// Immediate subdirectories are watched too so edits inside a unit count.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	dir := r.Dir()
	if dir == "" {
		return fmt.Errorf("watch: no plugin directory has been discovered")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.log.WithField("dir", dir).Info("Watching plugin directory")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.Add(event.Name); err != nil {
						r.log.Warnf("Failed to watch %s: %v", event.Name, err)
					}
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			r.log.Debug("Plugin directory changed, reloading")
			if err := r.Reload(ctx); err != nil {
				r.log.Warnf("Plugin reload failed: %v", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warnf("Watcher error: %v", err)
		}
	}
}

// addTree watches root and its immediate subdirectories.
func addTree(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
