package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Prefetcher downloads a batch of run containers in parallel so the
// rewriter never waits on the store between accessions. Already-fetched
// containers in the cache directory are reused.
type Prefetcher struct {
	store       ArchiveStore
	concurrency int
	cacheDir    string
}

// PrefetchResult contains the outcome of one batch fetch.
type PrefetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Fetches    int
}

// NewPrefetcher creates a prefetcher over the given store. concurrency
// caps the number of parallel fetches; cacheDir receives the containers.
func NewPrefetcher(store ArchiveStore, concurrency int, cacheDir string) *Prefetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Prefetcher{store: store, concurrency: concurrency, cacheDir: cacheDir}
}

// Fetch downloads the containers for the given keys. Per-key failures are
// collected in the result rather than aborting the whole batch, so one
// missing accession does not block the rest of a run list.
func (p *Prefetcher) Fetch(ctx context.Context, keys []string) (*PrefetchResult, error) {
	result := &PrefetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(keys) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, key := range keys {
		local := p.localPath(key)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[key] = local
			result.CacheHits++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[key] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(key, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := p.store.Fetch(ctx, key, local); err != nil {
				mu.Lock()
				result.Errors[key] = err
				mu.Unlock()
				return
			}
			mu.Lock()
			result.LocalPaths[key] = local
			result.Fetches++
			mu.Unlock()
		}(key, local)
	}
	wg.Wait()

	return result, nil
}

// localPath maps a store key to its cache file. The whole key is encoded
// into a single flat name so keys sharing a base name under different
// prefixes cannot collide, and keys cannot escape the cache directory.
func (p *Prefetcher) localPath(key string) string {
	flat := strings.ReplaceAll(path.Clean("/"+key)[1:], "/", "_")
	return filepath.Join(p.cacheDir, flat)
}
