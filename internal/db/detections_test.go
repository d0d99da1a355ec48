package db

import (
	"errors"
	"testing"
	"time"
)

func insertDetection(t *testing.T, db *DB, userID, segmentID string, event time.Time, prob float64, classID int) *StoredDetection {
	t.Helper()

	d := &StoredDetection{
		UserID:      userID,
		SegmentID:   segmentID,
		Event:       event,
		Probability: prob,
		ClassID:     classID,
		ClassName:   "Laughter",
		ClipPath:    "/clips/x.wav",
	}
	if err := db.InsertDetection(d); err != nil {
		t.Fatalf("InsertDetection failed: %v", err)
	}
	return d
}

func TestInsertDetectionDuplicate(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "alice", "UTC")
	seg := createTestSegment(t, db, user.ID, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))

	event := time.Date(2025, 4, 1, 10, 30, 0, 0, time.UTC)
	insertDetection(t, db, user.ID, seg.ID, event, 0.8, 16)

	// Exact (user, timestamp, class) collision hits the unique index.
	dup := &StoredDetection{
		UserID:      user.ID,
		SegmentID:   seg.ID,
		Event:       event,
		Probability: 0.9,
		ClassID:     16,
		ClassName:   "Laughter",
	}
	err := db.InsertDetection(dup)
	if !errors.Is(err, ErrDuplicateDetection) {
		t.Fatalf("expected ErrDuplicateDetection, got %v", err)
	}

	// Same instant, different class is legitimate.
	other := &StoredDetection{
		UserID:      user.ID,
		SegmentID:   seg.ID,
		Event:       event,
		Probability: 0.5,
		ClassID:     18,
		ClassName:   "Chuckle, chortle",
	}
	if err := db.InsertDetection(other); err != nil {
		t.Fatalf("different class at same instant should insert: %v", err)
	}
}

func TestNearbyDetectionsWindowAndClass(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "bob", "UTC")
	seg := createTestSegment(t, db, user.ID, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))

	base := time.Date(2025, 4, 1, 10, 15, 0, 0, time.UTC)
	insertDetection(t, db, user.ID, seg.ID, base, 0.4, 16)
	insertDetection(t, db, user.ID, seg.ID, base.Add(3*time.Second), 0.7, 18)     // other class
	insertDetection(t, db, user.ID, seg.ID, base.Add(6*time.Second), 0.9, 16)     // outside +/-5s
	insertDetection(t, db, user.ID, seg.ID, base.Add(-4*time.Second), 0.6, 16)    // inside
	otherUser := createTestUser(t, db, "mallory", "UTC")
	otherSeg := createTestSegment(t, db, otherUser.ID, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))
	insertDetection(t, db, otherUser.ID, otherSeg.ID, base, 0.99, 16) // other user

	got, err := db.NearbyDetections(user.ID, base, 16, 5*time.Second)
	if err != nil {
		t.Fatalf("NearbyDetections failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 nearby same-class detections, got %d", len(got))
	}
	// Best probability first
	if got[0].Probability != 0.6 || got[1].Probability != 0.4 {
		t.Errorf("expected probability order [0.6 0.4], got [%v %v]",
			got[0].Probability, got[1].Probability)
	}
}

func TestGetDetection(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "erin", "UTC")
	seg := createTestSegment(t, db, user.ID, time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC))

	event := time.Date(2025, 4, 2, 8, 20, 0, 0, time.UTC)
	d := insertDetection(t, db, user.ID, seg.ID, event, 0.75, 16)

	got, err := db.GetDetection(d.ID)
	if err != nil {
		t.Fatalf("GetDetection failed: %v", err)
	}
	if got.UserID != user.ID || !got.Event.Equal(event) || got.Probability != 0.75 {
		t.Errorf("unexpected detection: %+v", got)
	}

	if _, err := db.GetDetection("no-such-id"); !errors.Is(err, ErrDetectionNotFound) {
		t.Fatalf("expected ErrDetectionNotFound, got %v", err)
	}
}

func TestDeleteDetection(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "carol", "UTC")
	seg := createTestSegment(t, db, user.ID, time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC))

	d := insertDetection(t, db, user.ID, seg.ID, time.Date(2025, 4, 2, 8, 10, 0, 0, time.UTC), 0.3, 15)

	if err := db.DeleteDetection(d.ID); err != nil {
		t.Fatalf("DeleteDetection failed: %v", err)
	}

	n, err := db.CountDetections(user.ID)
	if err != nil {
		t.Fatalf("CountDetections failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 detections after delete, got %d", n)
	}
}

func TestDailyDetectionCounts(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "dora", "UTC")
	seg := createTestSegment(t, db, user.ID, time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC))

	day1 := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 4, 4, 9, 0, 0, 0, time.UTC)
	insertDetection(t, db, user.ID, seg.ID, day1, 0.5, 16)
	insertDetection(t, db, user.ID, seg.ID, day1.Add(time.Hour), 0.6, 16)
	insertDetection(t, db, user.ID, seg.ID, day2, 0.7, 15)

	counts, err := db.DailyDetectionCounts(user.ID)
	if err != nil {
		t.Fatalf("DailyDetectionCounts failed: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(counts))
	}
	if counts[0].Day != "2025-04-03" || counts[0].Count != 2 {
		t.Errorf("unexpected first bucket: %+v", counts[0])
	}
	if counts[1].Day != "2025-04-04" || counts[1].ClassID != 15 {
		t.Errorf("unexpected second bucket: %+v", counts[1])
	}
}
