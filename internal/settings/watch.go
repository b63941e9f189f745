package settings

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store when the settings file is edited externally and
// calls onReload after each successful reload. Writes performed through
// Save are recognized by the self-write counter and skipped.
func (s *Store) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				s.mu.Lock()
				self := s.selfWrites > 0
				if self {
					s.selfWrites--
				}
				s.mu.Unlock()
				if self {
					continue
				}
				log.Printf("[settings] %s changed on disk, reloading", s.path)
				if err := s.Load(); err != nil {
					log.Printf("[settings] reload failed: %v", err)
					continue
				}
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[settings] watch error: %v", err)
			}
		}
	}()
	return nil
}
