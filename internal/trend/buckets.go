// Package trend buckets the cases of a signal over time and flags buckets
// whose count departs sharply from the recent history.
package trend

import (
	"fmt"
	"time"

	"github.com/ae-signal-engine/internal/domain"
)

// BucketStart truncates t to the start of its bucket in UTC. Weeks start on
// Monday.
func BucketStart(t time.Time, width domain.BucketWidth) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch width {
	case domain.BucketWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case domain.BucketQuarter:
		q := (int(m) - 1) / 3
		return time.Date(y, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	case domain.BucketYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
}

// NextBucket returns the start of the bucket following start.
func NextBucket(start time.Time, width domain.BucketWidth) time.Time {
	switch width {
	case domain.BucketWeek:
		return start.AddDate(0, 0, 7)
	case domain.BucketQuarter:
		return start.AddDate(0, 3, 0)
	case domain.BucketYear:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Series is a contiguous, zero-filled count series.
type Series struct {
	Starts  []time.Time
	Counts  []int
	Undated int
}

// BucketCounts counts cases per bucket between the earliest and latest dated
// case. Buckets without cases are present with a zero count. Undated cases
// are only counted in Undated.
func BucketCounts(cases []*domain.CaseRecord, width domain.BucketWidth) (Series, error) {
	if !width.IsValid() {
		return Series{}, fmt.Errorf("%w: %q", domain.ErrInvalidBucketWidth, width)
	}

	var s Series
	counts := make(map[time.Time]int)
	var first, last time.Time
	for _, c := range cases {
		date, ok := c.Date()
		if !ok {
			s.Undated++
			continue
		}
		start := BucketStart(date, width)
		counts[start]++
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if last.IsZero() || start.After(last) {
			last = start
		}
	}
	if len(counts) == 0 {
		return s, nil
	}

	for start := first; !start.After(last); start = NextBucket(start, width) {
		s.Starts = append(s.Starts, start)
		s.Counts = append(s.Counts, counts[start])
	}
	return s, nil
}
