package burstwatch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Classifier is a trained binary model over the window feature vector.
// Predict returns true for the malicious class.
type Classifier interface {
	Predict(f FeatureVector) (bool, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(FeatureVector) (bool, error)

// Predict calls fn(f).
func (fn ClassifierFunc) Predict(f FeatureVector) (bool, error) { return fn(f) }

// Clock returns the current time. Engines default to time.Now.
type Clock func() time.Time

// EngineOptions carries the optional collaborators of an Engine.
type EngineOptions struct {
	// Classifier is optional; without it the engine runs rule-only.
	Classifier Classifier
	// Sink receives alerts. Defaults to a LogSink on Logger.
	Sink    AlertSink
	Logger  *zap.Logger
	Metrics *Metrics
	Clock   Clock
}

// Decision is the outcome of evaluating one feature vector.
type Decision struct {
	Features    FeatureVector
	RuleKinds   []EventKind
	RuleFired   bool
	ModelFired  bool
	AlertNeeded bool
	// Alert is set only when an alert was emitted.
	Alert *Alert
}

// Engine counts events over a trailing window and fuses the threshold rule
// with the optional classifier into a cooldown-gated alert.
//
// Engine is safe for concurrent use. The counter and cooldown state are
// guarded by one mutex; the classifier runs outside it.
type Engine struct {
	cfg        Config
	classifier Classifier
	sink       AlertSink
	logger     *zap.Logger
	metrics    *Metrics
	clock      Clock

	mu        sync.Mutex
	counter   *WindowCounter
	alerted   bool
	lastAlert time.Time
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config, opts EngineOptions) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:        cfg,
		classifier: opts.Classifier,
		sink:       sink,
		logger:     logger,
		metrics:    opts.Metrics,
		clock:      clock,
		counter:    NewWindowCounter(cfg.Window()),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// ModelLoaded reports whether a classifier participates in decisions.
func (e *Engine) ModelLoaded() bool { return e.classifier != nil }

// Metrics returns the engine metrics, possibly nil.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Ingest processes one notification from the event source, stamped with the
// engine clock.
func (e *Engine) Ingest(n Notification) Decision {
	return e.handle(n.Kind, n.AlertPath(), e.clock)
}

// Handle processes one event of kind at path, stamped with the engine clock.
func (e *Engine) Handle(kind EventKind, path string) Decision {
	return e.handle(kind, path, e.clock)
}

// HandleAt processes one event at an explicit instant: count it, snapshot the
// window and evaluate the fused decision. Unrecognized kinds are dropped.
// Callers supplying their own instants must keep them non-decreasing.
func (e *Engine) HandleAt(kind EventKind, path string, now time.Time) Decision {
	return e.handle(kind, path, func() time.Time { return now })
}

// handle stamps the event under the lock so concurrent callers add to the
// counter in timestamp order.
func (e *Engine) handle(kind EventKind, path string, clock Clock) Decision {
	e.metrics.observeEvent(kind)
	if !kind.Valid() {
		return Decision{}
	}

	e.mu.Lock()
	now := clock()
	e.counter.Add(kind, now)
	f := Snapshot(e.counter, now)
	e.mu.Unlock()

	return e.Evaluate(f, now, path)
}

// Features returns the window snapshot at now.
func (e *Engine) Features(now time.Time) FeatureVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot(e.counter, now)
}

// Evaluate runs the rule and model predicates on f and emits an alert when
// either fires and the cooldown has elapsed.
func (e *Engine) Evaluate(f FeatureVector, now time.Time, path string) Decision {
	d := Decision{Features: f}
	d.RuleKinds = e.cfg.Thresholds.Exceeded(f)
	d.RuleFired = len(d.RuleKinds) > 0
	d.ModelFired = e.predict(f)
	d.AlertNeeded = d.RuleFired || d.ModelFired
	if !d.AlertNeeded {
		return d
	}

	e.mu.Lock()
	if e.alerted && now.Sub(e.lastAlert) <= e.cfg.Cooldown() {
		e.mu.Unlock()
		e.metrics.observeSuppressed()
		return d
	}
	e.alerted = true
	e.lastAlert = now
	e.mu.Unlock()

	alert := newAlert(now, path, f, d.RuleKinds, d.ModelFired)
	d.Alert = &alert
	e.metrics.observeAlert(alert)
	if err := e.sink.Emit(alert); err != nil {
		e.metrics.observeSinkError()
		e.logger.Error("Failed to deliver alert",
			zap.String("id", alert.ID),
			zap.String("path", path),
			zap.Error(err))
	}
	return d
}

// predict invokes the classifier. Errors and panics count as a negative
// prediction.
func (e *Engine) predict(f FeatureVector) (fired bool) {
	if e.classifier == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			e.classifierFailed(f, fmt.Errorf("classifier panic: %v", r))
			fired = false
		}
	}()

	ok, err := e.classifier.Predict(f)
	if err != nil {
		e.classifierFailed(f, err)
		return false
	}
	return ok
}

func (e *Engine) classifierFailed(f FeatureVector, err error) {
	e.metrics.observeClassifierError()
	e.logger.Warn("Model prediction error",
		zap.String("features", f.String()),
		zap.Error(err))
}
