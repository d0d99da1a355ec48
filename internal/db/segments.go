package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AudioSegment is one downloaded audio payload covering one chunk
// window. The processed flag is the pipeline's idempotency key: it
// flips 0->1 exactly once, after every candidate event from the
// segment has been stored or rejected, and a processed segment is never
// re-fetched or re-scored.
type AudioSegment struct {
	ID           string
	UserID       string
	CalendarDate string // user-local YYYY-MM-DD
	Start        time.Time
	End          time.Time
	FilePath     string
	Processed    bool
}

var ErrSegmentNotFound = errors.New("segment not found")

// InsertSegment records a downloaded segment, initially unprocessed.
// Re-inserting the same (user, window) updates the file path and resets
// nothing else; a crashed run that re-downloads simply overwrites.
func (db *DB) InsertSegment(seg *AudioSegment) error {
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}

	_, err := db.Exec(
		`INSERT INTO audio_segments (
			segment_id, user_id, calendar_date, start_unix, end_unix, file_path, processed
		) VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(user_id, start_unix, end_unix) DO UPDATE SET
			file_path = excluded.file_path,
			calendar_date = excluded.calendar_date,
			updated_at = UNIXEPOCH('subsec')`,
		seg.ID, seg.UserID, seg.CalendarDate,
		unixSec(seg.Start), unixSec(seg.End), seg.FilePath,
	)
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}

	// The upsert may have kept an earlier row's ID; read it back so the
	// caller always holds the persisted identity.
	return db.QueryRow(
		`SELECT segment_id, processed FROM audio_segments
		 WHERE user_id = ? AND start_unix = ? AND end_unix = ?`,
		seg.UserID, unixSec(seg.Start), unixSec(seg.End),
	).Scan(&seg.ID, &seg.Processed)
}

// FindSegment returns the segment for the exact (user, window), or
// ErrSegmentNotFound.
func (db *DB) FindSegment(userID string, start, end time.Time) (*AudioSegment, error) {
	seg := &AudioSegment{}
	var startUnix, endUnix float64
	err := db.QueryRow(
		`SELECT segment_id, user_id, calendar_date, start_unix, end_unix, file_path, processed
		 FROM audio_segments
		 WHERE user_id = ? AND start_unix = ? AND end_unix = ?`,
		userID, unixSec(start), unixSec(end),
	).Scan(&seg.ID, &seg.UserID, &seg.CalendarDate, &startUnix, &endUnix, &seg.FilePath, &seg.Processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find segment: %w", err)
	}
	seg.Start = fromUnixSec(startUnix)
	seg.End = fromUnixSec(endUnix)
	return seg, nil
}

// SegmentProcessed reports whether a segment exists for the exact
// (user, window) and has already been fully processed. Used as the
// pre-fetch idempotency check so re-runs skip completed chunks.
func (db *DB) SegmentProcessed(userID string, start, end time.Time) (bool, error) {
	var processed bool
	err := db.QueryRow(
		`SELECT processed FROM audio_segments
		 WHERE user_id = ? AND start_unix = ? AND end_unix = ?`,
		userID, unixSec(start), unixSec(end),
	).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check segment: %w", err)
	}
	return processed, nil
}

// MarkSegmentProcessed flips the processed flag. The transition is
// monotonic: once set it is never cleared by the pipeline.
func (db *DB) MarkSegmentProcessed(segmentID string) error {
	res, err := db.Exec(
		`UPDATE audio_segments
		 SET processed = 1, updated_at = UNIXEPOCH('subsec')
		 WHERE segment_id = ?`,
		segmentID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark segment processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSegmentNotFound
	}
	return nil
}

// CountSegments returns the number of segment rows for a user on a
// user-local calendar date.
func (db *DB) CountSegments(userID, calendarDate string) (int64, error) {
	var n int64
	err := db.QueryRow(
		`SELECT COUNT(*) FROM audio_segments WHERE user_id = ? AND calendar_date = ?`,
		userID, calendarDate,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count segments: %w", err)
	}
	return n, nil
}

// unixSec converts a time to unix seconds with sub-second precision,
// matching the DOUBLE columns used throughout the schema.
func unixSec(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSec(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
