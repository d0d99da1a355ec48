package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

// StoredDetection is one persisted laughter event with its extracted
// clip. No two rows for the same user share (event_unix, class_id); the
// dedup pass additionally collapses same-class events within 5 seconds
// of each other.
type StoredDetection struct {
	ID          string
	UserID      string
	SegmentID   string
	Event       time.Time
	Probability float64
	ClassID     int
	ClassName   string
	ClipPath    string
	Notes       string
}

var ErrDetectionNotFound = errors.New("detection not found")

// ErrDuplicateDetection reports a storage-layer uniqueness violation on
// insert. The pipeline treats it as a dedup-skip, not a failure: a
// racing run for the same (user, date) loses the insert gracefully.
var ErrDuplicateDetection = errors.New("duplicate detection")

// InsertDetection persists a detection. Returns ErrDuplicateDetection
// (wrapped) when the (user_id, event_unix, class_id) constraint fires.
func (db *DB) InsertDetection(d *StoredDetection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	_, err := db.Exec(
		`INSERT INTO detections (
			detection_id, user_id, segment_id, event_unix,
			probability, class_id, class_name, clip_path, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.SegmentID, unixSec(d.Event),
		d.Probability, d.ClassID, d.ClassName, d.ClipPath, d.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user=%s class=%d at %s", ErrDuplicateDetection,
				d.UserID, d.ClassID, d.Event.UTC().Format(time.RFC3339))
		}
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

// NearbyDetections returns the user's stored detections with the same
// class within +/- window of the event time, best probability first.
// This is the dedup query; it searches the user's full history, not
// just the current segment.
func (db *DB) NearbyDetections(userID string, event time.Time, classID int, window time.Duration) ([]StoredDetection, error) {
	lo := unixSec(event.Add(-window))
	hi := unixSec(event.Add(window))

	rows, err := db.Query(
		`SELECT detection_id, user_id, segment_id, event_unix,
		        probability, class_id, class_name, clip_path, notes
		 FROM detections
		 WHERE user_id = ? AND class_id = ? AND event_unix BETWEEN ? AND ?
		 ORDER BY probability DESC, event_unix`,
		userID, classID, lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby detections: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

// DetectionsBetween returns the user's detections in [from, to),
// ordered by event time. Serves the read API and the report tool.
func (db *DB) DetectionsBetween(userID string, from, to time.Time) ([]StoredDetection, error) {
	rows, err := db.Query(
		`SELECT detection_id, user_id, segment_id, event_unix,
		        probability, class_id, class_name, clip_path, notes
		 FROM detections
		 WHERE user_id = ? AND event_unix >= ? AND event_unix < ?
		 ORDER BY event_unix`,
		userID, unixSec(from), unixSec(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

// GetDetection returns one detection by ID, or ErrDetectionNotFound.
func (db *DB) GetDetection(detectionID string) (*StoredDetection, error) {
	d := &StoredDetection{}
	var eventUnix float64
	err := db.QueryRow(
		`SELECT detection_id, user_id, segment_id, event_unix,
		        probability, class_id, class_name, clip_path, notes
		 FROM detections
		 WHERE detection_id = ?`,
		detectionID,
	).Scan(
		&d.ID, &d.UserID, &d.SegmentID, &eventUnix,
		&d.Probability, &d.ClassID, &d.ClassName, &d.ClipPath, &d.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDetectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	d.Event = fromUnixSec(eventUnix)
	return d, nil
}

// DeleteDetection removes a superseded detection row. The caller is
// responsible for removing its clip file.
func (db *DB) DeleteDetection(detectionID string) error {
	if _, err := db.Exec(`DELETE FROM detections WHERE detection_id = ?`, detectionID); err != nil {
		return fmt.Errorf("failed to delete detection: %w", err)
	}
	return nil
}

// CountDetections returns the number of stored detections for a user.
func (db *DB) CountDetections(userID string) (int64, error) {
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM detections WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return n, nil
}

// DailyClassCount is one (calendar day, class) bucket of detections.
type DailyClassCount struct {
	Day       string
	ClassID   int
	ClassName string
	Count     int64
}

// DailyDetectionCounts buckets a user's detections per UTC day and
// class, oldest first. Used by the report tool.
func (db *DB) DailyDetectionCounts(userID string) ([]DailyClassCount, error) {
	rows, err := db.Query(
		`SELECT DATE(event_unix, 'unixepoch') AS day, class_id, class_name, COUNT(*)
		 FROM detections
		 WHERE user_id = ?
		 GROUP BY day, class_id
		 ORDER BY day, class_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily counts: %w", err)
	}
	defer rows.Close()

	var counts []DailyClassCount
	for rows.Next() {
		var c DailyClassCount
		if err := rows.Scan(&c.Day, &c.ClassID, &c.ClassName, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

func scanDetections(rows *sql.Rows) ([]StoredDetection, error) {
	var dets []StoredDetection
	for rows.Next() {
		var d StoredDetection
		var eventUnix float64
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.SegmentID, &eventUnix,
			&d.Probability, &d.ClassID, &d.ClassName, &d.ClipPath, &d.Notes,
		); err != nil {
			return nil, err
		}
		d.Event = fromUnixSec(eventUnix)
		dets = append(dets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dets, nil
}

// isUniqueViolation recognises a sqlite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT_PRIMARYKEY (1555) or SQLITE_CONSTRAINT_UNIQUE (2067)
		code := se.Code()
		return code == 1555 || code == 2067
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
