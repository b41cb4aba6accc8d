package burstwatch

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SimulateOptions shapes a harmless ransomware-like burst: create files, then
// rename and append to every file once per burst, optionally deleting them.
type SimulateOptions struct {
	Bursts        int
	FilesPerBurst int
	Delete        bool
	// Pause between phases; zero disables sleeping.
	Pause time.Duration
	Seed  int64
}

// DefaultSimulateOptions mirrors a burst large enough to trip the web profile.
func DefaultSimulateOptions() SimulateOptions {
	return SimulateOptions{
		Bursts:        3,
		FilesPerBurst: 80,
		Pause:         500 * time.Millisecond,
		Seed:          time.Now().UnixNano(),
	}
}

// SimulateReport counts the operations performed.
type SimulateReport struct {
	Created  int
	Renamed  int
	Modified int
	Deleted  int
}

// Simulate runs the burst inside dir, creating dir if needed. It only touches
// files it created itself.
func Simulate(ctx context.Context, dir string, opts SimulateOptions, logger *zap.Logger) (SimulateReport, error) {
	var rep SimulateReport
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rep, fmt.Errorf("failed to create sandbox: %w", err)
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	files := make([]string, 0, opts.FilesPerBurst)
	for i := 0; i < opts.FilesPerBurst; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p := filepath.Join(dir, randName(rng, 10)+".txt")
		if err := os.WriteFile(p, []byte("dummy\ndummy\ndummy\ndummy\ndummy\n"), 0o644); err != nil {
			return rep, fmt.Errorf("failed to create %s: %w", p, err)
		}
		files = append(files, p)
		rep.Created++
	}
	logger.Info("Created simulation files", zap.Int("count", rep.Created))
	if err := pause(ctx, opts.Pause*2); err != nil {
		return rep, err
	}

	for b := 0; b < opts.Bursts; b++ {
		for i, p := range files {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			next := filepath.Join(dir, fmt.Sprintf("%s_%d.txt", randName(rng, 10), i))
			if err := os.Rename(p, next); err != nil {
				return rep, fmt.Errorf("failed to rename %s: %w", p, err)
			}
			rep.Renamed++
			files[i] = next
			if err := appendLine(next, "update\n"); err != nil {
				return rep, err
			}
			rep.Modified++
		}
		logger.Info("Burst done", zap.Int("burst", b+1), zap.Int("bursts", opts.Bursts))
		if err := pause(ctx, opts.Pause); err != nil {
			return rep, err
		}
	}

	if opts.Delete {
		for _, p := range files {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return rep, fmt.Errorf("failed to delete %s: %w", p, err)
			}
			rep.Deleted++
		}
		logger.Info("Deleted simulation files", zap.Int("count", rep.Deleted))
	}
	return rep, nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return f.Close()
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const letters = "abcdefghijklmnopqrstuvwxyz"

func randName(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}
