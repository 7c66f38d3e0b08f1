package executor

import (
	"sort"

	"github.com/trendbridge/trendbridge/pkg/types"
)

// mergeRecords concatenates per-partition results and sorts them by
// logging_time_fmt. Ties fall back to logging_time and then child id, so the
// order is the same whichever partition a row came from.
func mergeRecords(parts [][]types.SampleRecord) []types.SampleRecord {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	merged := make([]types.SampleRecord, 0, total)
	for _, p := range parts {
		merged = append(merged, p...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := &merged[i], &merged[j]
		if a.LoggingTimeFormatted != b.LoggingTimeFormatted {
			return a.LoggingTimeFormatted < b.LoggingTimeFormatted
		}
		if a.LoggingTime != b.LoggingTime {
			return a.LoggingTime < b.LoggingTime
		}
		return a.ID < b.ID
	})
	return merged
}
