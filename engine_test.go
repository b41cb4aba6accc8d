package burstwatch_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/burstwatch"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sec(s float64) time.Time {
	return base.Add(time.Duration(s * float64(time.Second)))
}

func newTestEngine(t *testing.T, cfg burstwatch.Config, cl burstwatch.Classifier) (*burstwatch.Engine, *burstwatch.QueueSink, *burstwatch.Metrics) {
	t.Helper()
	q := burstwatch.NewQueueSink()
	m := burstwatch.NewMetrics()
	e, err := burstwatch.NewEngine(cfg, burstwatch.EngineOptions{
		Classifier: cl,
		Sink:       q,
		Metrics:    m,
	})
	require.NoError(t, err)
	return e, q, m
}

// counterValue sums every sample of the named counter family.
func counterValue(t *testing.T, m *burstwatch.Metrics, name string, labels ...string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, s := range f.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range s.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			total += s.GetCounter().GetValue()
		}
	}
	return total
}

func TestEngineRuleFiresWhenThresholdReached(t *testing.T) {
	cfg := burstwatch.Config{WindowSeconds: 60, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 2}}
	e, q, _ := newTestEngine(t, cfg, nil)

	d := e.HandleAt(burstwatch.Deleted, "/s/a", sec(0))
	assert.False(t, d.AlertNeeded)
	assert.Nil(t, d.Alert)

	d = e.HandleAt(burstwatch.Deleted, "/s/b", sec(1))
	require.NotNil(t, d.Alert)
	assert.True(t, d.RuleFired)
	assert.False(t, d.ModelFired)
	assert.Equal(t, []burstwatch.EventKind{burstwatch.Deleted}, d.RuleKinds)

	alerts := q.Drain()
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.True(t, a.ByRule)
	assert.False(t, a.ByModel)
	assert.Equal(t, sec(1), a.Timestamp)
	assert.Equal(t, "/s/b", a.Path)
	assert.Equal(t, burstwatch.FeatureVector{Deleted: 2}, a.Features)
	assert.Equal(t, []string{"deleted"}, a.RuleKinds)
	assert.NotEmpty(t, a.ID)
}

func TestEngineCooldownSuppressesRepeat(t *testing.T) {
	cfg := burstwatch.Config{WindowSeconds: 60, CooldownSeconds: 5, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 2}}
	e, q, m := newTestEngine(t, cfg, nil)

	e.HandleAt(burstwatch.Deleted, "a", sec(0))
	e.HandleAt(burstwatch.Deleted, "b", sec(1))
	d := e.HandleAt(burstwatch.Deleted, "c", sec(3))

	assert.True(t, d.AlertNeeded)
	assert.Nil(t, d.Alert, "still inside the cooldown")
	assert.Len(t, q.Drain(), 1)
	assert.Equal(t, 1.0, counterValue(t, m, "burstwatch_alerts_suppressed_total"))
}

func TestEngineCooldownBoundaryIsExclusive(t *testing.T) {
	cfg := burstwatch.Config{WindowSeconds: 60, CooldownSeconds: 5, Thresholds: burstwatch.Thresholds{burstwatch.Moved: 1}}
	e, q, _ := newTestEngine(t, cfg, nil)

	require.NotNil(t, e.HandleAt(burstwatch.Moved, "a", sec(0)).Alert)
	assert.Nil(t, e.HandleAt(burstwatch.Moved, "b", sec(5)).Alert, "exactly the cooldown is not enough")
	assert.NotNil(t, e.HandleAt(burstwatch.Moved, "c", sec(5.001)).Alert)
	assert.Len(t, q.Drain(), 2)
}

func TestEngineZeroCooldownAlertsOnEveryPositive(t *testing.T) {
	cfg := burstwatch.Config{WindowSeconds: 60, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 1}}
	e, q, _ := newTestEngine(t, cfg, nil)

	e.HandleAt(burstwatch.Deleted, "a", sec(0))
	e.HandleAt(burstwatch.Deleted, "b", sec(0.5))
	e.HandleAt(burstwatch.Deleted, "c", sec(1))
	assert.Len(t, q.Drain(), 3)
}

func TestEngineIdleVectorNeverAlerts(t *testing.T) {
	var seen []burstwatch.FeatureVector
	cl := burstwatch.ClassifierFunc(func(f burstwatch.FeatureVector) (bool, error) {
		seen = append(seen, f)
		return !f.IsZero(), nil
	})
	cfg := burstwatch.Config{WindowSeconds: 60, CooldownSeconds: 5, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 2}}
	e, q, _ := newTestEngine(t, cfg, cl)

	d := e.Evaluate(burstwatch.FeatureVector{}, sec(0), "")
	assert.False(t, d.RuleFired)
	assert.False(t, d.ModelFired)
	assert.False(t, d.AlertNeeded)
	assert.Empty(t, q.Drain())

	// after an alert the idle vector still stays quiet
	e.Evaluate(burstwatch.FeatureVector{Modified: 1}, sec(10), "x")
	require.Len(t, q.Drain(), 1)
	d = e.Evaluate(burstwatch.FeatureVector{}, sec(100), "")
	assert.False(t, d.AlertNeeded)
	assert.Empty(t, q.Drain())
	assert.Len(t, seen, 3)
}

func TestEngineFusionIsLogicalOr(t *testing.T) {
	cases := []struct {
		name       string
		rule       bool
		model      bool
		wantReason []string
	}{
		{"neither", false, false, nil},
		{"rule only", true, false, []string{"rule"}},
		{"model only", false, true, []string{"model"}},
		{"both", true, true, []string{"rule", "model"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cl := burstwatch.ClassifierFunc(func(burstwatch.FeatureVector) (bool, error) { return tc.model, nil })
			limit := 100
			if tc.rule {
				limit = 1
			}
			cfg := burstwatch.Config{WindowSeconds: 60, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: limit}}
			e, q, m := newTestEngine(t, cfg, cl)

			d := e.HandleAt(burstwatch.Deleted, "p", sec(0))
			assert.Equal(t, tc.rule, d.RuleFired)
			assert.Equal(t, tc.model, d.ModelFired)
			assert.Equal(t, tc.rule || tc.model, d.AlertNeeded)

			alerts := q.Drain()
			if tc.wantReason == nil {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, tc.wantReason, alerts[0].Reasons())
			for _, r := range tc.wantReason {
				assert.Equal(t, 1.0, counterValue(t, m, "burstwatch_alerts_total", "signal", r))
			}
		})
	}
}

func TestEngineClassifierSeesFeatureOrder(t *testing.T) {
	var got burstwatch.FeatureVector
	cl := burstwatch.ClassifierFunc(func(f burstwatch.FeatureVector) (bool, error) {
		got = f
		return false, nil
	})
	e, _, _ := newTestEngine(t, burstwatch.Config{WindowSeconds: 60}, cl)

	e.HandleAt(burstwatch.Created, "", sec(0))
	e.HandleAt(burstwatch.Modified, "", sec(0))
	e.HandleAt(burstwatch.Modified, "", sec(0))
	e.HandleAt(burstwatch.Deleted, "", sec(0))
	e.HandleAt(burstwatch.Deleted, "", sec(0))
	e.HandleAt(burstwatch.Deleted, "", sec(0))
	e.HandleAt(burstwatch.Moved, "", sec(0))

	assert.Equal(t, [4]float64{1, 2, 3, 1}, got.Values())
}

func TestEngineClassifierFailureIsNegative(t *testing.T) {
	failures := map[string]burstwatch.Classifier{
		"error": burstwatch.ClassifierFunc(func(burstwatch.FeatureVector) (bool, error) {
			return true, errors.New("bad input shape")
		}),
		"panic": burstwatch.ClassifierFunc(func(burstwatch.FeatureVector) (bool, error) {
			panic("boom")
		}),
	}
	for name, cl := range failures {
		t.Run(name, func(t *testing.T) {
			cfg := burstwatch.Config{WindowSeconds: 60, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 2}}
			e, q, m := newTestEngine(t, cfg, cl)

			d := e.HandleAt(burstwatch.Deleted, "a", sec(0))
			assert.False(t, d.ModelFired)
			assert.False(t, d.AlertNeeded)

			// the rule still works alongside a broken model
			d = e.HandleAt(burstwatch.Deleted, "b", sec(1))
			assert.True(t, d.RuleFired)
			assert.NotNil(t, d.Alert)
			assert.Len(t, q.Drain(), 1)
			assert.Equal(t, 2.0, counterValue(t, m, "burstwatch_classifier_errors_total"))
		})
	}
}

func TestEngineDropsUnknownKinds(t *testing.T) {
	cfg := burstwatch.Config{WindowSeconds: 60, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 1}}
	e, q, m := newTestEngine(t, cfg, nil)

	d := e.HandleAt(burstwatch.Unknown, "x", sec(0))
	assert.Equal(t, burstwatch.Decision{}, d)
	assert.True(t, e.Features(sec(0)).IsZero())
	assert.Empty(t, q.Drain())
	assert.Equal(t, 1.0, counterValue(t, m, "burstwatch_events_ignored_total"))
	assert.Equal(t, 0.0, counterValue(t, m, "burstwatch_events_total"))
}

func TestEngineIngestUsesClockAndAlertPath(t *testing.T) {
	now := sec(42)
	q := burstwatch.NewQueueSink()
	e, err := burstwatch.NewEngine(burstwatch.Config{
		WindowSeconds: 60,
		Thresholds:    burstwatch.Thresholds{burstwatch.Moved: 1},
	}, burstwatch.EngineOptions{
		Sink:  q,
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)

	e.Ingest(burstwatch.Notification{Kind: burstwatch.Moved, DestPath: "/s/new.txt"})
	alerts := q.Drain()
	require.Len(t, alerts, 1)
	assert.Equal(t, now, alerts[0].Timestamp)
	assert.Equal(t, "/s/new.txt", alerts[0].Path)
}

func TestEngineSinkErrorIsCounted(t *testing.T) {
	m := burstwatch.NewMetrics()
	e, err := burstwatch.NewEngine(burstwatch.Config{
		WindowSeconds: 60,
		Thresholds:    burstwatch.Thresholds{burstwatch.Deleted: 1},
	}, burstwatch.EngineOptions{
		Sink:    burstwatch.SinkFunc(func(burstwatch.Alert) error { return errors.New("unreachable") }),
		Metrics: m,
	})
	require.NoError(t, err)

	d := e.HandleAt(burstwatch.Deleted, "a", sec(0))
	assert.NotNil(t, d.Alert)
	assert.Equal(t, 1.0, counterValue(t, m, "burstwatch_sink_errors_total"))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := burstwatch.NewEngine(burstwatch.Config{}, burstwatch.EngineOptions{})
	assert.ErrorIs(t, err, burstwatch.ErrInvalidConfig)
}

func TestEngineConcurrentHandlersAlertOnce(t *testing.T) {
	cfg := burstwatch.Config{WindowSeconds: 60, CooldownSeconds: 3600, Thresholds: burstwatch.Thresholds{burstwatch.Deleted: 1}}
	e, q, m := newTestEngine(t, cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.HandleAt(burstwatch.Deleted, "p", sec(1))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, q.Drain(), 1)
	assert.Equal(t, 800, e.Features(sec(1)).Deleted)
	assert.Equal(t, 800.0, counterValue(t, m, "burstwatch_events_total", "kind", "deleted"))
	assert.Equal(t, 799.0, counterValue(t, m, "burstwatch_alerts_suppressed_total"))
}

func TestEngineIngestStampsInsideCriticalSection(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	clock := func() time.Time {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
			return sec(0)
		}
		return sec(30)
	}

	e, err := burstwatch.NewEngine(burstwatch.Config{WindowSeconds: 60}, burstwatch.EngineOptions{Clock: clock})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Ingest(burstwatch.Notification{Kind: burstwatch.Deleted, Path: "first"})
	}()
	<-entered
	go func() {
		defer wg.Done()
		e.Ingest(burstwatch.Notification{Kind: burstwatch.Deleted, Path: "second"})
	}()
	// give the second caller time to reach the engine before the first resumes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 2, e.Features(sec(30)).Deleted)
	assert.Equal(t, 1, e.Features(sec(61)).Deleted, "the earlier stamp must be evicted first")
	assert.Equal(t, 0, e.Features(sec(91)).Deleted)
}
