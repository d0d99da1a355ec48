// Package chunk plans the provider call windows for a calendar day.
// Planning is pure: the current time is injected, so day truncation and
// daylight-saving behaviour are unit-testable without a wall clock.
package chunk

import (
	"fmt"
	"time"
)

// MaxWindow is the provider's per-call duration limit. No planned chunk
// may exceed it.
const MaxWindow = 2 * time.Hour

// Chunk is one UTC window of at most MaxWindow. Chunks for a day are
// contiguous, non-overlapping, and ordered.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// Window formats the chunk as an ISO interval for audit trails.
func (c Chunk) Window() string {
	return c.Start.UTC().Format(time.RFC3339) + "/" + c.End.UTC().Format(time.RFC3339)
}

// Duration returns the chunk length.
func (c Chunk) Duration() time.Duration {
	return c.End.Sub(c.Start)
}

// PlanDay splits the user-local calendar day into UTC chunks no longer
// than max, covering [local midnight, next local midnight) exactly. For
// the in-progress day the final chunk is truncated at nowUTC; a day
// entirely in the future yields no chunks.
//
// Boundaries come from local-calendar arithmetic, never a fixed chunk
// count, so a day crossing a daylight-saving transition yields 23 or 25
// hours of correct UTC coverage.
func PlanDay(nowUTC time.Time, date string, loc *time.Location, max time.Duration) ([]Chunk, error) {
	if max <= 0 || max > MaxWindow {
		return nil, fmt.Errorf("chunk window %v outside provider limit %v", max, MaxWindow)
	}

	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc).UTC()
	end := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc).UTC()

	nowUTC = nowUTC.UTC()
	if end.After(nowUTC) {
		end = nowUTC
	}
	if !start.Before(end) {
		return nil, nil
	}

	var chunks []Chunk
	for cur := start; cur.Before(end); {
		next := cur.Add(max)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, Chunk{Start: cur, End: next})
		cur = next
	}
	return chunks, nil
}

// PlanRange plans every date in [fromDate, toDate] (inclusive,
// user-local), returning one day plan per date in order. Used by the
// manual trigger for multi-day reprocessing.
func PlanRange(nowUTC time.Time, fromDate, toDate string, loc *time.Location, max time.Duration) (map[string][]Chunk, []string, error) {
	from, err := time.ParseInLocation("2006-01-02", fromDate, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid from date %q: %w", fromDate, err)
	}
	to, err := time.ParseInLocation("2006-01-02", toDate, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid to date %q: %w", toDate, err)
	}
	if to.Before(from) {
		return nil, nil, fmt.Errorf("date range inverted: %s after %s", fromDate, toDate)
	}

	plans := make(map[string][]Chunk)
	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		chunks, err := PlanDay(nowUTC, date, loc, max)
		if err != nil {
			return nil, nil, err
		}
		plans[date] = chunks
		dates = append(dates, date)
	}
	return plans, dates, nil
}

// Yesterday returns the previous calendar date in loc as seen from
// nowUTC. Scheduled runs process each user's yesterday independently of
// the server's own timezone.
func Yesterday(nowUTC time.Time, loc *time.Location) string {
	return nowUTC.In(loc).AddDate(0, 0, -1).Format("2006-01-02")
}
