package logstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LockWait acquires the writer lock like Lock, but blocks until the
// current holder releases it instead of returning ErrLogLocked. The wait
// watches the log directory for the lock file's removal rather than
// polling, with a coarse fallback tick in case the removal event is lost
// (editors and network filesystems sometimes eat them).
func (l *Log) LockWait(ctx context.Context) error {
	err := l.Lock()
	if err == nil || !errors.Is(err, ErrLogLocked) {
		return err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		return fmt.Errorf("logstore: watch for lock release: %w", werr)
	}
	defer watcher.Close()
	if werr := watcher.Add(l.dir); werr != nil {
		return fmt.Errorf("logstore: watch %s: %w", l.dir, werr)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		err = l.Lock()
		if err == nil || !errors.Is(err, ErrLogLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
		case werr := <-watcher.Errors:
			if werr != nil {
				return fmt.Errorf("logstore: lock watch: %w", werr)
			}
		case <-ticker.C:
		}
	}
}
