package burstwatch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Alert is emitted when the fused decision is positive and the cooldown has
// elapsed. Alerts are immutable once created.
type Alert struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Path      string        `json:"path"`
	Features  FeatureVector `json:"features"`
	ByRule    bool          `json:"by_rule"`
	ByModel   bool          `json:"by_model"`
	// RuleKinds lists the kinds that reached their threshold.
	RuleKinds []string `json:"rule_kinds,omitempty"`
}

func newAlert(now time.Time, path string, f FeatureVector, ruleKinds []EventKind, byModel bool) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Timestamp: now,
		Path:      path,
		Features:  f,
		ByRule:    len(ruleKinds) > 0,
		ByModel:   byModel,
	}
	for _, k := range ruleKinds {
		a.RuleKinds = append(a.RuleKinds, k.String())
	}
	return a
}

// Reasons returns the signals that fired, "rule" before "model".
func (a Alert) Reasons() []string {
	var r []string
	if a.ByRule {
		r = append(r, "rule")
	}
	if a.ByModel {
		r = append(r, "model")
	}
	return r
}

// --------------------------------------------------------------------------
// Sinks
// --------------------------------------------------------------------------

// AlertSink consumes alerts. Emit must not block for long; it is called on the
// event processing path.
type AlertSink interface {
	Emit(alert Alert) error
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(Alert) error

// Emit calls f(alert).
func (f SinkFunc) Emit(alert Alert) error { return f(alert) }

// ConsoleSink prints a human-readable line per alert.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleSink writes to out, or stdout when out is nil.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out}
}

// Emit writes the alert line.
func (s *ConsoleSink) Emit(alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "ALERT: %s %s (%s)\n",
		strings.Join(alert.Reasons(), " & "), alert.Features, alert.Path)
	return err
}

// LogSink records alerts through a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging at Warn level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the alert.
func (s *LogSink) Emit(alert Alert) error {
	s.logger.Warn("Burst alert triggered",
		zap.String("id", alert.ID),
		zap.String("path", alert.Path),
		zap.Time("timestamp", alert.Timestamp),
		zap.Bool("by_rule", alert.ByRule),
		zap.Bool("by_model", alert.ByModel),
		zap.Strings("rule_kinds", alert.RuleKinds),
		zap.Int("created", alert.Features.Created),
		zap.Int("modified", alert.Features.Modified),
		zap.Int("deleted", alert.Features.Deleted),
		zap.Int("moved", alert.Features.Moved))
	return nil
}

// QueueSink buffers alerts in memory until a poller drains them.
type QueueSink struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewQueueSink returns an empty unbounded queue.
func NewQueueSink() *QueueSink {
	return &QueueSink{}
}

// Emit appends the alert.
func (q *QueueSink) Emit(alert Alert) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.alerts = append(q.alerts, alert)
	return nil
}

// Drain returns and removes every queued alert, oldest first. The result is
// never nil.
func (q *QueueSink) Drain() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.alerts
	q.alerts = nil
	if out == nil {
		out = []Alert{}
	}
	return out
}

// Len returns the number of queued alerts.
func (q *QueueSink) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.alerts)
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// DefaultAlertSubject is the NATS subject alerts are published on.
const DefaultAlertSubject = "burstwatch.alerts"

// NATSSink publishes alerts as JSON on a NATS subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink publishes on subject, or DefaultAlertSubject when empty.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultAlertSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// Emit marshals and publishes the alert.
func (s *NATSSink) Emit(alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// MultiSink fans an alert out to several sinks. Every sink is called even when
// an earlier one fails; the first error is returned.
type MultiSink []AlertSink

// Emit forwards alert to every sink.
func (m MultiSink) Emit(alert Alert) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}
