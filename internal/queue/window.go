package queue

import "time"

// NextBatchBoundary rounds now up to the next N-minute batch boundary in
// UTC. An instant exactly on a boundary is its own window: 10:05:00 with
// 5-minute granularity stays 10:05:00, 10:05:01 rolls to 10:10:00, and
// 10:57 rolls across the hour to 11:00.
func NextBatchBoundary(now time.Time, granularityMinutes int) time.Time {
	if granularityMinutes <= 0 {
		granularityMinutes = 5
	}
	granularity := time.Duration(granularityMinutes) * time.Minute
	now = now.UTC()
	floored := now.Truncate(granularity)
	if floored.Equal(now) {
		return now
	}
	return floored.Add(granularity)
}
