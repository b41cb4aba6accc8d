package burstwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// DefaultWalkWorkers is the number of goroutines used to register a tree with
// the watcher.
const DefaultWalkWorkers int = 4

// DirFn is called once for every directory found under the walk root,
// including the root itself.
type DirFn func(path string) error

// walkDirs visits every directory under root with a pool of limit workers.
// The first error returned by fn, or by the walk itself, is reported; the walk
// keeps going so that one unreadable subtree does not hide the rest.
func walkDirs(ctx context.Context, root string, limit int, fn DirFn) error {
	if limit < 1 {
		return errors.New("burstwatch: walk worker limit must be greater than zero")
	}

	tasks := make(chan string, limit)
	var workerWg sync.WaitGroup
	var walkErr error
	var errOnce sync.Once
	setErr := func(err error) {
		errOnce.Do(func() { walkErr = err })
	}

	for i := 0; i < limit; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dir := range tasks {
				if ctx.Err() != nil {
					continue
				}
				if err := fn(dir); err != nil {
					setErr(err)
				}
			}
		}()
	}

	// Producer: walk the tree and hand directories to the pool.
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if err != nil {
			if path == root {
				return err
			}
			setErr(err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case tasks <- path:
			return nil
		}
	})
	close(tasks)
	workerWg.Wait()

	if err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}
	// workers skip queued directories once ctx is done
	return ctx.Err()
}
