// Package observability tracks per-accession rewrite outcomes so long
// batch runs can report what was done and where the time went.
package observability

import (
	"sort"
	"sync"
	"time"
)

// PassStats aggregates rewrite outcomes across a run. All methods are
// thread-safe.
type PassStats struct {
	mu         sync.RWMutex
	accessions map[string]*AccessionStats
	window     time.Duration
}

// AccessionStats holds the outcome of one accession's rewrite.
type AccessionStats struct {
	Accession string
	Objects   int
	Rows      int64
	Dropped   int
	Duration  time.Duration
	LastSeen  time.Time
}

// NewPassStats creates a new pass statistics tracker.
// window: time duration for pruning old entries (e.g., 24 hours)
func NewPassStats(window time.Duration) *PassStats {
	return &PassStats{
		accessions: make(map[string]*AccessionStats),
		window:     window,
	}
}

// Record adds one accession's outcome. Recording the same accession again
// accumulates objects, rows, and dropped-column counts.
func (p *PassStats) Record(accession string, objects int, rows int64, dropped int, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats, exists := p.accessions[accession]
	if !exists {
		stats = &AccessionStats{Accession: accession}
		p.accessions[accession] = stats
	}
	stats.Objects += objects
	stats.Rows += rows
	stats.Dropped += dropped
	stats.Duration += d
	stats.LastSeen = time.Now()
}

// Top returns the n largest accessions by row count, descending.
func (p *PassStats) Top(n int) []AccessionStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if n <= 0 || len(p.accessions) == 0 {
		return []AccessionStats{}
	}

	stats := make([]AccessionStats, 0, len(p.accessions))
	for _, s := range p.accessions {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Rows > stats[j].Rows
	})
	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Totals returns the aggregate accession, object, and row counts.
func (p *PassStats) Totals() (accessions, objects int, rows int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range p.accessions {
		accessions++
		objects += s.Objects
		rows += s.Rows
	}
	return accessions, objects, rows
}

// Prune removes entries where time.Since(LastSeen) > window.
func (p *PassStats) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := time.Now().Add(-p.window)
	for acc, stats := range p.accessions {
		if stats.LastSeen.Before(threshold) {
			delete(p.accessions, acc)
		}
	}
}
