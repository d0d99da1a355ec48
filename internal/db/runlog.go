package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Run statuses.
const (
	RunPending    = "pending"
	RunProcessing = "processing"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerCron      = "cron"
)

// APICall is one entry of the provider call audit trail, including
// every retry attempt.
type APICall struct {
	StatusCode int    `json:"status_code"`
	Window     string `json:"window"`
	Outcome    string `json:"outcome"`
}

// ProcessingLogRecord summarises one (user, calendar date) run. There
// is exactly one row per (user, date); re-running the same date
// upserts the row rather than appending.
type ProcessingLogRecord struct {
	UserID               string
	CalendarDate         string
	Status               string
	TriggerType          string
	AudioFilesDownloaded int64
	LaughterEventsFound  int64 // raw, pre-dedup
	DuplicatesSkipped    int64
	APICallAudit         []APICall
	ErrorDetails         string
	DurationSeconds      float64
}

var ErrRunLogNotFound = errors.New("processing log record not found")

// StartRunLog creates or resets the record for a run: status becomes
// processing and all counters restart at zero. Called at run start.
func (db *DB) StartRunLog(userID, calendarDate, triggerType string) error {
	_, err := db.Exec(
		`INSERT INTO processing_log (user_id, calendar_date, status, trigger_type)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, calendar_date) DO UPDATE SET
			status = excluded.status,
			trigger_type = excluded.trigger_type,
			audio_files_downloaded = 0,
			laughter_events_found = 0,
			duplicates_skipped = 0,
			api_call_audit = '[]',
			error_details = '',
			duration_seconds = 0,
			updated_at = UNIXEPOCH('subsec')`,
		userID, calendarDate, RunProcessing, triggerType,
	)
	if err != nil {
		return fmt.Errorf("failed to start run log: %w", err)
	}
	return nil
}

// FinishRunLog writes the final counters and status for a run. Called
// exactly once per run, on success and on failure alike.
func (db *DB) FinishRunLog(rec *ProcessingLogRecord) error {
	audit, err := json.Marshal(rec.APICallAudit)
	if err != nil {
		return fmt.Errorf("failed to marshal api call audit: %w", err)
	}

	res, err := db.Exec(
		`UPDATE processing_log SET
			status = ?,
			audio_files_downloaded = ?,
			laughter_events_found = ?,
			duplicates_skipped = ?,
			api_call_audit = ?,
			error_details = ?,
			duration_seconds = ?,
			updated_at = UNIXEPOCH('subsec')
		 WHERE user_id = ? AND calendar_date = ?`,
		rec.Status, rec.AudioFilesDownloaded, rec.LaughterEventsFound,
		rec.DuplicatesSkipped, string(audit), rec.ErrorDetails, rec.DurationSeconds,
		rec.UserID, rec.CalendarDate,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunLogNotFound
	}
	return nil
}

// GetRunLog returns the record for (user, date), or ErrRunLogNotFound.
func (db *DB) GetRunLog(userID, calendarDate string) (*ProcessingLogRecord, error) {
	rec := &ProcessingLogRecord{}
	var audit string
	err := db.QueryRow(
		`SELECT user_id, calendar_date, status, trigger_type,
		        audio_files_downloaded, laughter_events_found, duplicates_skipped,
		        api_call_audit, error_details, duration_seconds
		 FROM processing_log
		 WHERE user_id = ? AND calendar_date = ?`,
		userID, calendarDate,
	).Scan(
		&rec.UserID, &rec.CalendarDate, &rec.Status, &rec.TriggerType,
		&rec.AudioFilesDownloaded, &rec.LaughterEventsFound, &rec.DuplicatesSkipped,
		&audit, &rec.ErrorDetails, &rec.DurationSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run log: %w", err)
	}

	if err := json.Unmarshal([]byte(audit), &rec.APICallAudit); err != nil {
		return nil, fmt.Errorf("corrupt api call audit for %s/%s: %w", userID, calendarDate, err)
	}
	return rec, nil
}

// RunLogs returns a user's records, newest date first.
func (db *DB) RunLogs(userID string) ([]ProcessingLogRecord, error) {
	rows, err := db.Query(
		`SELECT user_id, calendar_date, status, trigger_type,
		        audio_files_downloaded, laughter_events_found, duplicates_skipped,
		        api_call_audit, error_details, duration_seconds
		 FROM processing_log
		 WHERE user_id = ?
		 ORDER BY calendar_date DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var recs []ProcessingLogRecord
	for rows.Next() {
		var rec ProcessingLogRecord
		var audit string
		if err := rows.Scan(
			&rec.UserID, &rec.CalendarDate, &rec.Status, &rec.TriggerType,
			&rec.AudioFilesDownloaded, &rec.LaughterEventsFound, &rec.DuplicatesSkipped,
			&audit, &rec.ErrorDetails, &rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(audit), &rec.APICallAudit); err != nil {
			return nil, fmt.Errorf("corrupt api call audit for %s/%s: %w", rec.UserID, rec.CalendarDate, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return recs, nil
}
