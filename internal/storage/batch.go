package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDeleter removes many objects in parallel with bounded concurrency.
type BatchDeleter struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch delete.
type BatchResult struct {
	Deleted int
	Errors  map[string]error
}

// NewBatchDeleter creates a new batch deleter.
// concurrency is the maximum number of deletes in flight (default 4).
func NewBatchDeleter(storage ObjectStorage, concurrency int) *BatchDeleter {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchDeleter{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Delete removes every object in paths. Per-object failures are collected in
// the result; the returned error is set only when the context ends first.
func (b *BatchDeleter) Delete(ctx context.Context, paths []string) (*BatchResult, error) {
	result := &BatchResult{Errors: make(map[string]error)}
	if len(paths) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	var acquireErr error
	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = fmt.Errorf("semaphore acquire failed: %w", err)
			break
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.storage.Delete(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Deleted++
		}(p)
	}

	wg.Wait()
	return result, acquireErr
}

// DeletePrefix removes every object under prefix.
func (b *BatchDeleter) DeletePrefix(ctx context.Context, prefix string) (*BatchResult, error) {
	paths, err := b.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return b.Delete(ctx, paths)
}
