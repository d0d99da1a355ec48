package db

import (
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenDB(filepath.Join(t.TempDir(), "giggles_test.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestUser inserts a user for store tests that need the foreign key.
func createTestUser(t *testing.T, db *DB, name, tz string) *User {
	t.Helper()

	u := &User{Name: name, Timezone: tz, ProviderToken: "tok-" + name, Active: true}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

// createTestSegment inserts an unprocessed segment covering [start, start+2h).
func createTestSegment(t *testing.T, db *DB, userID string, start time.Time) *AudioSegment {
	t.Helper()

	seg := &AudioSegment{
		UserID:       userID,
		CalendarDate: start.Format("2006-01-02"),
		Start:        start,
		End:          start.Add(2 * time.Hour),
		FilePath:     "/tmp/" + userID + ".wav",
	}
	if err := db.InsertSegment(seg); err != nil {
		t.Fatalf("InsertSegment failed: %v", err)
	}
	return seg
}
