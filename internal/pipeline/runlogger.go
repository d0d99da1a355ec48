package pipeline

import (
	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
	"github.com/stokedbloke/giggles-cli-sub001/internal/provider"
)

// runLog accumulates the counters and API audit trail for one
// (user, date) run. The pipeline is strictly sequential, so no locking.
//
// Counter model: every planned chunk ends up in exactly one of
// downloaded (its window resolved: payload fetched, no data, or already
// processed) or failed (fetch gave up). Every raw event ends up either
// stored or skipped as a duplicate.
type runLog struct {
	userID  string
	date    string
	trigger string

	downloaded int64
	failed     int64
	found      int64 // raw events, pre-dedup
	skipped    int64 // duplicates
	stored     int64

	audit []db.APICall
}

func newRunLog(userID, date, trigger string) *runLog {
	return &runLog{userID: userID, date: date, trigger: trigger}
}

func (rl *runLog) addCalls(calls []provider.CallResult) {
	for _, c := range calls {
		rl.audit = append(rl.audit, db.APICall{
			StatusCode: c.StatusCode,
			Window:     c.Window,
			Outcome:    c.Outcome,
		})
	}
}

func (rl *runLog) chunkResolved() { rl.downloaded++ }
func (rl *runLog) chunkFailed()   { rl.failed++ }

func (rl *runLog) eventsFound(n int) { rl.found += int64(n) }
func (rl *runLog) duplicateSkipped() { rl.skipped++ }
func (rl *runLog) detectionStored()  { rl.stored++ }

// record builds the persisted form with the given final status.
func (rl *runLog) record(status, errDetails string, durationSeconds float64) *db.ProcessingLogRecord {
	return &db.ProcessingLogRecord{
		UserID:               rl.userID,
		CalendarDate:         rl.date,
		Status:               status,
		TriggerType:          rl.trigger,
		AudioFilesDownloaded: rl.downloaded,
		LaughterEventsFound:  rl.found,
		DuplicatesSkipped:    rl.skipped,
		APICallAudit:         rl.audit,
		ErrorDetails:         errDetails,
		DurationSeconds:      durationSeconds,
	}
}
