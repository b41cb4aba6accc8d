package burstwatch_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TFMV/burstwatch"
)

func TestMonitorAlertsOnDeleteBurst(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), []byte("x"), 0o644))
	}

	q := burstwatch.NewQueueSink()
	engine, err := burstwatch.NewEngine(burstwatch.CLIProfile(), burstwatch.EngineOptions{
		Sink:   q,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	m, err := burstwatch.StartMonitor(context.Background(), dir, engine, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.Remove(filepath.Join(dir, fmt.Sprintf("f%d.txt", i))))
	}

	var alerts []burstwatch.Alert
	require.Eventually(t, func() bool {
		alerts = append(alerts, q.Drain()...)
		return len(alerts) > 0
	}, 5*time.Second, 20*time.Millisecond)

	a := alerts[0]
	assert.True(t, a.ByRule)
	assert.Contains(t, a.RuleKinds, "deleted")
	assert.GreaterOrEqual(t, a.Features.Deleted, 2)
	assert.Equal(t, dir, filepath.Dir(a.Path))
}

func TestMonitorFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := burstwatch.Config{WindowSeconds: 60, Thresholds: burstwatch.Thresholds{burstwatch.Modified: 1}}
	q := burstwatch.NewQueueSink()
	engine, err := burstwatch.NewEngine(cfg, burstwatch.EngineOptions{Sink: q})
	require.NoError(t, err)

	m, err := burstwatch.StartMonitor(context.Background(), dir, engine, nil)
	require.NoError(t, err)
	defer m.Stop()

	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	target := filepath.Join(sub, "doc.txt")

	// the new directory is added asynchronously, so keep writing until an
	// event from inside it arrives
	require.Eventually(t, func() bool {
		_ = os.WriteFile(target, []byte(time.Now().String()), 0o644)
		for _, a := range q.Drain() {
			if a.Path == target {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	engine, err := burstwatch.NewEngine(burstwatch.CLIProfile(), burstwatch.EngineOptions{})
	require.NoError(t, err)
	m, err := burstwatch.StartMonitor(context.Background(), t.TempDir(), engine, nil)
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	select {
	case <-m.Done():
	default:
		t.Fatal("monitor goroutine still running after Stop")
	}
}

func TestMonitorStopsWithContext(t *testing.T) {
	engine, err := burstwatch.NewEngine(burstwatch.CLIProfile(), burstwatch.EngineOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	m, err := burstwatch.StartMonitor(ctx, t.TempDir(), engine, nil)
	require.NoError(t, err)
	defer m.Stop()

	cancel()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not exit on context cancellation")
	}
}

func TestStartMonitorRejectsBadRoot(t *testing.T) {
	engine, err := burstwatch.NewEngine(burstwatch.CLIProfile(), burstwatch.EngineOptions{})
	require.NoError(t, err)

	_, err = burstwatch.StartMonitor(context.Background(), filepath.Join(t.TempDir(), "missing"), engine, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = burstwatch.StartMonitor(context.Background(), file, engine, nil)
	assert.ErrorContains(t, err, "not a directory")
}
