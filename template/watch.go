package template

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of file events into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the store when files under the config root change, until the
// context is cancelled. Hosts that prefer explicit control can skip Watch and
// call Reload themselves.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return err
	}

	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(watchDebounce)
				fire = pending.C
			} else {
				pending.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher: %v", err)

		case <-fire:
			pending = nil
			fire = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("config reload failed: %v", err)
			} else {
				s.logger.Info("provider configuration reloaded")
			}
		}
	}
}
