package burstwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher delivers notifications for a directory tree. Directories created
// after the watcher starts are added as they appear.
type Watcher struct {
	root       string
	fsw        *fsnotify.Watcher
	logger     *zap.Logger
	moveWindow time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewWatcher opens an fsnotify watcher and registers root and every directory
// below it. Failure to open root is returned; unreadable subdirectories are
// logged and skipped.
func NewWatcher(ctx context.Context, root string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{root: root, fsw: fsw, logger: logger, moveWindow: DefaultMoveWindow}

	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	if err := w.addTree(ctx, root); err != nil {
		logger.Warn("Some directories could not be watched",
			zap.String("root", root),
			zap.Error(err))
	}
	return w, nil
}

// Root returns the cleaned watch root.
func (w *Watcher) Root() string { return w.root }

// addTree registers every directory under dir.
func (w *Watcher) addTree(ctx context.Context, dir string) error {
	return walkDirs(ctx, dir, DefaultWalkWorkers, func(path string) error {
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.logger.Debug("Added directory to watcher", zap.String("path", path))
		return nil
	})
}

// DefaultMoveWindow is how long a Rename waits for the Create of its new name
// before it is delivered as a move out of the tree.
const DefaultMoveWindow = 10 * time.Millisecond

// Run delivers notifications to handler until ctx is cancelled or the watcher
// is closed. Handler calls are sequential.
//
// A Rename directly followed by a Create is delivered as one Moved
// notification carrying both names.
func (w *Watcher) Run(ctx context.Context, handler func(Notification)) {
	w.loop(ctx, w.fsw.Events, w.fsw.Errors, handler)
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, handler func(Notification)) {
	window := w.moveWindow
	if window <= 0 {
		window = DefaultMoveWindow
	}
	timer := time.NewTimer(window)
	timer.Stop()
	defer timer.Stop()

	var pending *fsnotify.Event
	flushPending := func() {
		if pending != nil {
			handler(NotificationFromEvent(*pending))
			pending = nil
		}
	}

	for {
		var expired <-chan time.Time
		if pending != nil {
			expired = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-expired:
			flushPending()
		case ev, ok := <-events:
			if !ok {
				flushPending()
				return
			}
			if pending != nil && KindFromOp(ev.Op) == Created {
				n := Notification{Kind: Moved, Path: pending.Name, DestPath: ev.Name}
				pending = nil
				timer.Stop()
				w.followNewDir(ctx, ev.Name)
				handler(n)
				continue
			}
			flushPending()
			if KindFromOp(ev.Op) == Moved {
				pending = &ev
				timer.Reset(window)
				continue
			}
			n := NotificationFromEvent(ev)
			if n.Kind == Created {
				w.followNewDir(ctx, ev.Name)
			}
			handler(n)
		case err, ok := <-errs:
			if !ok {
				flushPending()
				return
			}
			w.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) followNewDir(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(ctx, path); err != nil {
		w.logger.Warn("Failed to watch new directory",
			zap.String("path", path),
			zap.Error(err))
	}
}

// Close stops the underlying watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}
