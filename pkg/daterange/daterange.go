// Package daterange provides date interval parsing and chunk planning for
// bounded API requests. The ISMR query API rejects requests spanning more
// than a couple of months, so requested ranges are split into contiguous
// chunks before download.
package daterange

import (
	"fmt"
	"time"
)

// DefaultMaxChunkDays is the largest span the API accepts per request.
const DefaultMaxChunkDays = 62

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// Range is a closed date interval. Start must not be after End.
type Range struct {
	Start time.Time
	End   time.Time
}

// Chunk is a bounded sub-interval of a Range. Chunks planned from one Range
// are contiguous, non-overlapping and cover the range exactly once.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// ParseDate parses an ISO timestamp or a bare calendar date. A bare date
// expands to 00:00:00 when it opens a range and to 23:59:59 when it closes
// one, so "2025-11-17".."2025-11-17" covers the whole day.
func ParseDate(value string, isStart bool) (time.Time, error) {
	if t, err := time.Parse(dateLayout, value); err == nil {
		if isStart {
			return t, nil
		}
		return t.Add(23*time.Hour + 59*time.Minute + 59*time.Second), nil
	}

	t, err := time.Parse(dateTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("daterange: invalid date %q (want YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS): %w", value, err)
	}
	return t, nil
}

// ParseRange parses start and end values into a validated Range.
func ParseRange(start, end string) (Range, error) {
	s, err := ParseDate(start, true)
	if err != nil {
		return Range{}, err
	}
	e, err := ParseDate(end, false)
	if err != nil {
		return Range{}, err
	}

	r := Range{Start: s, End: e}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate checks the start/end ordering invariant.
func (r Range) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("daterange: start and end are required")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("daterange: start %s is after end %s",
			r.Start.Format(dateTimeLayout), r.End.Format(dateTimeLayout))
	}
	return nil
}

// Days returns the chunk span in whole days, rounded up.
func (c Chunk) Days() int {
	return int(c.End.Sub(c.Start).Hours()/24 + 0.5)
}

// Plan splits r into chunks of at most maxDays each. A cursor starts at
// r.Start; each emitted chunk ends at min(cursor+maxDays, r.End) and the
// cursor advances to one day past the emitted end, so consecutive chunks
// never request the same boundary twice.
func Plan(r Range, maxDays int) ([]Chunk, error) {
	if maxDays < 1 {
		return nil, fmt.Errorf("daterange: max chunk days must be >= 1, got %d", maxDays)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var chunks []Chunk
	cursor := r.Start
	for cursor.Before(r.End) {
		end := cursor.AddDate(0, 0, maxDays)
		if end.After(r.End) {
			end = r.End
		}
		chunks = append(chunks, Chunk{Start: cursor, End: end})
		cursor = end.AddDate(0, 0, 1)
	}
	return chunks, nil
}
