// Package observability tracks how federated queries use filters and
// archived partitions, to spot hot partitions and missing indexes.
package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks filter and partition usage over a sliding window.
type QueryStats struct {
	mu            sync.RWMutex
	filterFreq    map[string]*UsageStats
	partitionFreq map[string]*UsageStats
	queries       int64
	window        time.Duration
	now           func() time.Time
}

// UsageStats holds usage counters for one filter column or partition.
type UsageStats struct {
	Name      string    `json:"name"`
	Frequency int64     `json:"frequency"`
	LastSeen  time.Time `json:"last_seen"`
}

// Snapshot is a copy of the tracked usage, most used first.
type Snapshot struct {
	Queries    int64        `json:"queries"`
	Filters    []UsageStats `json:"filters"`
	Partitions []UsageStats `json:"partitions"`
}

// NewQueryStats creates a tracker. Entries unseen for longer than window
// are dropped by Prune. A non-positive window means one hour.
func NewQueryStats(window time.Duration) *QueryStats {
	if window <= 0 {
		window = time.Hour
	}
	return &QueryStats{
		filterFreq:    make(map[string]*UsageStats),
		partitionFreq: make(map[string]*UsageStats),
		window:        window,
		now:           time.Now,
	}
}

// RecordQuery records one query, the filter columns it used and the
// archived partition identifiers it read.
func (q *QueryStats) RecordQuery(filters, partitions []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.queries++
	for _, f := range filters {
		bump(q.filterFreq, f, now)
	}
	for _, p := range partitions {
		bump(q.partitionFreq, p, now)
	}
}

func bump(m map[string]*UsageStats, name string, now time.Time) {
	stats, ok := m[name]
	if !ok {
		stats = &UsageStats{Name: name}
		m[name] = stats
	}
	stats.Frequency++
	stats.LastSeen = now
}

// TopFilters returns the n most used filter columns.
func (q *QueryStats) TopFilters(n int) []UsageStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.filterFreq, n)
}

// TopPartitions returns the n most read archived partitions.
func (q *QueryStats) TopPartitions(n int) []UsageStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.partitionFreq, n)
}

// Snapshot prunes stale entries and returns the n top filters and partitions.
func (q *QueryStats) Snapshot(n int) Snapshot {
	q.Prune()

	q.mu.RLock()
	defer q.mu.RUnlock()
	return Snapshot{
		Queries:    q.queries,
		Filters:    top(q.filterFreq, n),
		Partitions: top(q.partitionFreq, n),
	}
}

// top copies m sorted by frequency, descending, ties by name.
func top(m map[string]*UsageStats, n int) []UsageStats {
	if n <= 0 || len(m) == 0 {
		return []UsageStats{}
	}

	stats := make([]UsageStats, 0, len(m))
	for _, s := range m {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Name < stats[j].Name
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for name, stats := range q.filterFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.filterFreq, name)
		}
	}
	for name, stats := range q.partitionFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.partitionFreq, name)
		}
	}
}
