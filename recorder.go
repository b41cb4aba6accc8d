package burstwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder appends every counted event under a tree to a historical log, the
// input of the offline extractor.
type Recorder struct {
	watcher *Watcher
	file    *os.File
	out     *LogWriter
	logger  *zap.Logger
	clock   Clock

	mu      sync.Mutex
	written int
}

// NewRecorder opens (appending) the log at outPath and watches root.
func NewRecorder(ctx context.Context, root, outPath string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(outPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	w, err := NewWatcher(ctx, root, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Recorder{
		watcher: w,
		file:    f,
		out:     NewLogWriter(f),
		logger:  logger,
		clock:   time.Now,
	}, nil
}

// Record writes one notification. Unknown kinds are skipped.
func (r *Recorder) Record(n Notification) error {
	if !n.Kind.Valid() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.out.Write(LogRecord{Kind: n.Kind, Path: n.Path, Timestamp: r.clock()}); err != nil {
		return err
	}
	r.written++
	return nil
}

// Written returns how many rows have been appended.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Run records until ctx is cancelled, then closes the watcher and the log.
func (r *Recorder) Run(ctx context.Context) error {
	r.watcher.Run(ctx, func(n Notification) {
		if err := r.Record(n); err != nil {
			r.logger.Error("Failed to record event",
				zap.String("path", n.Path),
				zap.Stringer("kind", n.Kind),
				zap.Error(err))
		}
	})
	werr := r.watcher.Close()
	if err := r.file.Close(); err != nil {
		return err
	}
	return werr
}
