package burstwatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Monitor connects a Watcher to an Engine and owns the goroutine that feeds
// it. Stop waits for that goroutine to exit.
type Monitor struct {
	engine  *Engine
	watcher *Watcher
	logger  *zap.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// StartMonitor watches root recursively and routes every notification through
// engine. It fails only if root cannot be watched.
func StartMonitor(ctx context.Context, root string, engine *Engine, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := NewWatcher(ctx, root, logger)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		engine:  engine,
		watcher: w,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(m.done)
		w.Run(runCtx, func(n Notification) {
			engine.Ingest(n)
		})
	}()

	logger.Info("Started monitoring",
		zap.String("root", w.Root()),
		zap.Bool("model_loaded", engine.ModelLoaded()),
		zap.Stringer("thresholds", engine.Config().Thresholds),
		zap.Int("window_seconds", engine.Config().WindowSeconds))
	return m, nil
}

// Root returns the watched directory.
func (m *Monitor) Root() string { return m.watcher.Root() }

// Engine returns the engine fed by this monitor.
func (m *Monitor) Engine() *Engine { return m.engine }

// Done is closed once the feeding goroutine has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop cancels the watch and waits for the feeding goroutine. An event being
// processed at that moment may be abandoned; alerts already emitted are kept.
func (m *Monitor) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.cancel()
		err = m.watcher.Close()
		<-m.done
		m.logger.Info("Stopped monitoring", zap.String("root", m.Root()))
	})
	return err
}
