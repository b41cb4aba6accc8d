package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/burstwatch"
)

// Statuses reported by Start and Stop. None of them are errors.
const (
	StatusAlreadyRunning = "already running"
	StatusStopped        = "stopped"
	StatusNotRunning     = "not running"
)

// ModelLoader returns the classifier for a new engine. It may return
// (nil, nil) or an error wrapping burstwatch.ErrModelNotFound when no model is
// available; the engine then runs rule-only.
type ModelLoader func() (burstwatch.Classifier, error)

// ModelFromFile loads a burstwatch.LogisticModel from path on every start.
func ModelFromFile(path string) ModelLoader {
	return func() (burstwatch.Classifier, error) {
		m, err := burstwatch.LoadModel(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// StartResult is the outcome of a start request.
type StartResult struct {
	Status      string `json:"status"`
	ModelLoaded *bool  `json:"model_loaded,omitempty"`
}

// StopResult is the outcome of a stop request.
type StopResult struct {
	Status string `json:"status"`
}

// Controller owns at most one live monitor and the alert queue it feeds. The
// queue outlives individual monitors so stopping never drops alerts.
type Controller struct {
	base      burstwatch.Config
	loadModel ModelLoader
	queue     *burstwatch.QueueSink
	metrics   *burstwatch.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	monitor *burstwatch.Monitor
}

// NewController builds a controller whose engines start from base.
func NewController(base burstwatch.Config, loadModel ModelLoader, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		base:      base,
		loadModel: loadModel,
		queue:     burstwatch.NewQueueSink(),
		metrics:   burstwatch.NewMetrics(),
		logger:    logger,
	}
}

// Metrics returns the metrics shared by every engine of this controller.
func (c *Controller) Metrics() *burstwatch.Metrics { return c.metrics }

// Start begins monitoring folder with the given window (seconds, 0 keeps the
// base window). Starting while a monitor is live reports StatusAlreadyRunning.
// An error means the folder could not be watched or the config is invalid.
func (c *Controller) Start(folder string, window int) (StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked() {
		return StartResult{Status: StatusAlreadyRunning}, nil
	}

	cfg := c.base
	if window != 0 {
		cfg.WindowSeconds = window
	}
	classifier := c.classifier()
	engine, err := burstwatch.NewEngine(cfg, burstwatch.EngineOptions{
		Classifier: classifier,
		Sink:       burstwatch.MultiSink{c.queue, burstwatch.NewLogSink(c.logger)},
		Logger:     c.logger,
		Metrics:    c.metrics,
	})
	if err != nil {
		return StartResult{}, err
	}

	// The monitor outlives the request that started it.
	m, err := burstwatch.StartMonitor(context.Background(), folder, engine, c.logger)
	if err != nil {
		return StartResult{}, err
	}
	c.monitor = m

	loaded := classifier != nil
	return StartResult{
		Status:      fmt.Sprintf("started on %s", filepath.Clean(folder)),
		ModelLoaded: &loaded,
	}, nil
}

// Stop stops the live monitor and waits for it to exit.
func (c *Controller) Stop() (StopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor == nil {
		return StopResult{Status: StatusNotRunning}, nil
	}
	m := c.monitor
	c.monitor = nil
	if err := m.Stop(); err != nil {
		c.logger.Warn("Watcher did not close cleanly", zap.String("root", m.Root()), zap.Error(err))
	}
	return StopResult{Status: StatusStopped}, nil
}

// Running reports whether a monitor is live.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

// Drain returns and removes every queued alert.
func (c *Controller) Drain() []burstwatch.Alert {
	return c.queue.Drain()
}

func (c *Controller) liveLocked() bool {
	if c.monitor == nil {
		return false
	}
	select {
	case <-c.monitor.Done():
		// the watcher died on its own; release it so a new start can proceed
		_ = c.monitor.Stop()
		c.monitor = nil
		return false
	default:
		return true
	}
}

func (c *Controller) classifier() burstwatch.Classifier {
	if c.loadModel == nil {
		return nil
	}
	cl, err := c.loadModel()
	switch {
	case errors.Is(err, burstwatch.ErrModelNotFound):
		c.logger.Info("No model found, running rule-only", zap.Error(err))
		return nil
	case err != nil:
		c.logger.Warn("Failed to load model, running rule-only", zap.Error(err))
		return nil
	}
	return cl
}
