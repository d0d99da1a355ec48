package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokedbloke/giggles-cli-sub001/internal/chunk"
	"github.com/stokedbloke/giggles-cli-sub001/internal/classifier"
	"github.com/stokedbloke/giggles-cli-sub001/internal/clip"
	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
	"github.com/stokedbloke/giggles-cli-sub001/internal/monitoring"
	"github.com/stokedbloke/giggles-cli-sub001/internal/provider"
)

// testNow is well past testDate in every timezone the tests use.
var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

const testDate = "2025-06-08"

// fakeProvider serves descriptors from a map keyed by chunk window
// string. Windows without an entry report no data, as the real provider
// does for quiet hours.
type fakeProvider struct {
	mu          sync.Mutex
	segments    map[string][]provider.SegmentDescriptor
	listErr     map[string]error
	listAudit   map[string][]provider.CallResult
	downloadErr map[string]error // keyed by descriptor ID
	payloadDur  time.Duration
	listCount   map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		segments:    map[string][]provider.SegmentDescriptor{},
		listErr:     map[string]error{},
		listAudit:   map[string][]provider.CallResult{},
		downloadErr: map[string]error{},
		payloadDur:  30 * time.Second,
		listCount:   map[string]int{},
	}
}

func (f *fakeProvider) ListSegments(win chunk.Chunk) ([]provider.SegmentDescriptor, []provider.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := win.Window()
	f.listCount[key]++

	if err := f.listErr[key]; err != nil {
		audit := f.listAudit[key]
		if audit == nil {
			audit = []provider.CallResult{{StatusCode: 502, Window: key, Outcome: "transient"}}
		}
		return nil, audit, err
	}
	descs := f.segments[key]
	if len(descs) == 0 {
		return nil, []provider.CallResult{{StatusCode: 404, Window: key, Outcome: "no data"}}, provider.ErrNoData
	}
	return descs, []provider.CallResult{{StatusCode: 200, Window: key, Outcome: "ok"}}, nil
}

func (f *fakeProvider) Download(desc provider.SegmentDescriptor, destPath string) error {
	f.mu.Lock()
	err := f.downloadErr[desc.ID]
	dur := f.payloadDur
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return clip.WriteSilence(destPath, dur, 16000, 1, 16)
}

// fakeAnalyzer returns canned events keyed by payload base filename.
type fakeAnalyzer struct {
	mu     sync.Mutex
	events map[string][]classifier.Event
	errs   map[string]error
	calls  []string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		events: map[string][]classifier.Event{},
		errs:   map[string]error{},
	}
}

func (f *fakeAnalyzer) Analyze(wavPath string) ([]classifier.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := filepath.Base(wavPath)
	f.calls = append(f.calls, base)
	if err := f.errs[base]; err != nil {
		return nil, err
	}
	return f.events[base], nil
}

func newTestRunner(t *testing.T, p *fakeProvider, a *fakeAnalyzer) *Runner {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return &Runner{
		DB:          database,
		ProviderFor: func(*db.User) AudioProvider { return p },
		Analyzer:    a,
		AudioRoot:   t.TempDir(),
		ClipRoot:    t.TempDir(),
		Window:      chunk.MaxWindow,
		Now:         func() time.Time { return testNow },
	}
}

func TestMain(m *testing.M) {
	// Mute chunk transition and reclaim diagnostics.
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func newTestUser(t *testing.T, d *db.DB, tz string) *db.User {
	t.Helper()
	u := &db.User{Name: "test user", Timezone: tz, ProviderToken: "token", Active: true}
	require.NoError(t, d.CreateUser(u))
	return u
}

// dayChunks plans the same windows the runner will process.
func dayChunks(t *testing.T, tz string) []chunk.Chunk {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)
	chunks, err := chunk.PlanDay(testNow, testDate, loc, chunk.MaxWindow)
	require.NoError(t, err)
	return chunks
}

// descriptorAt registers one descriptor starting at the given offset
// into the chunk, and returns its payload's base filename as the
// analyzer key. idx is the descriptor's position within the chunk.
func descriptorAt(p *fakeProvider, c chunk.Chunk, idx int, offset time.Duration) (provider.SegmentDescriptor, string) {
	d := provider.SegmentDescriptor{
		ID:          c.Window() + "#" + string(rune('a'+idx)),
		Start:       c.Start.Add(offset),
		End:         c.Start.Add(offset + 30*time.Second),
		DownloadURL: "http://provider.invalid/" + c.Window(),
	}
	p.segments[c.Window()] = append(p.segments[c.Window()], d)
	key := c.Start.UTC().Format("20060102T150405Z") + "-0" + string(rune('0'+idx)) + ".wav"
	return d, key
}

func TestProcessDayCompletesWithCounters(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	require.Len(t, chunks, 12)

	// One chunk carries audio with two well separated events.
	_, key := descriptorAt(p, chunks[3], 0, 10*time.Minute)
	a.events[key] = []classifier.Event{
		{Offset: 5 * time.Second, Probability: 0.82, ClassID: 13, ClassName: "Laughter"},
		{Offset: 20 * time.Second, Probability: 0.41, ClassID: 15, ClassName: "Giggle"},
	}

	rec, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, db.RunCompleted, rec.Status)
	assert.Equal(t, int64(12), rec.AudioFilesDownloaded, "every planned chunk resolved")
	assert.Equal(t, int64(2), rec.LaughterEventsFound)
	assert.Equal(t, int64(0), rec.DuplicatesSkipped)
	assert.Len(t, rec.APICallAudit, 12, "one provider call per chunk")
	assert.Greater(t, rec.DurationSeconds, 0.0)

	// The record must be durable, not just returned.
	stored, err := r.DB.GetRunLog(user.ID, testDate)
	require.NoError(t, err)
	assert.Equal(t, rec.AudioFilesDownloaded, stored.AudioFilesDownloaded)
	assert.Equal(t, db.TriggerScheduled, stored.TriggerType)

	n, err := r.DB.CountDetections(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Each detection owns a clip on disk; the raw payload is gone.
	dets, err := r.DB.DetectionsBetween(user.ID, chunks[0].Start, chunks[11].End)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	for _, d := range dets {
		_, err := os.Stat(d.ClipPath)
		assert.NoError(t, err, "clip %s must exist", d.ClipPath)
	}
	raw, err := filepath.Glob(filepath.Join(r.AudioRoot, user.ID, "*.wav"))
	require.NoError(t, err)
	assert.Empty(t, raw, "raw payloads must be deleted after processing")
}

func TestProcessDayRerunSkipsProcessedChunks(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	_, key := descriptorAt(p, chunks[5], 0, time.Minute)
	a.events[key] = []classifier.Event{
		{Offset: 2 * time.Second, Probability: 0.7, ClassID: 13, ClassName: "Laughter"},
	}

	_, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerManual)
	require.NoError(t, err)

	rec, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerManual)
	require.NoError(t, err)

	// The processed chunk is never re-listed; only a segment row proves
	// work happened, so no-data windows are re-checked.
	assert.Equal(t, 1, p.listCount[chunks[5].Window()])
	assert.Equal(t, 2, p.listCount[chunks[0].Window()])

	// Second run still balances its counters, with nothing new found.
	assert.Equal(t, db.RunCompleted, rec.Status)
	assert.Equal(t, int64(12), rec.AudioFilesDownloaded)
	assert.Equal(t, int64(0), rec.LaughterEventsFound)

	n, err := r.DB.CountDetections(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "re-run must not duplicate detections")
}

func TestDedupWindowAndClasses(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	p.payloadDur = time.Minute
	_, key := descriptorAt(p, chunks[2], 0, 0)
	a.events[key] = []classifier.Event{
		{Offset: 10 * time.Second, Probability: 0.80, ClassID: 13, ClassName: "Laughter"},
		// 3s later, same class, weaker: duplicate.
		{Offset: 13 * time.Second, Probability: 0.50, ClassID: 13, ClassName: "Laughter"},
		// 5.1s from the first: outside the window, kept.
		{Offset: 15100 * time.Millisecond, Probability: 0.45, ClassID: 13, ClassName: "Laughter"},
		// Same instant as the first but a different class: kept.
		{Offset: 10 * time.Second, Probability: 0.60, ClassID: 16, ClassName: "Snicker"},
	}

	rec, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int64(4), rec.LaughterEventsFound)
	assert.Equal(t, int64(1), rec.DuplicatesSkipped)

	n, err := r.DB.CountDetections(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDedupHigherProbabilitySupersedes(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	p.payloadDur = time.Minute
	_, key := descriptorAt(p, chunks[2], 0, 0)
	a.events[key] = []classifier.Event{
		{Offset: 10 * time.Second, Probability: 0.50, ClassID: 13, ClassName: "Laughter"},
		// Stronger event 2s later replaces the first entirely.
		{Offset: 12 * time.Second, Probability: 0.90, ClassID: 13, ClassName: "Laughter"},
	}

	_, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerManual)
	require.NoError(t, err)

	dets, err := r.DB.DetectionsBetween(user.ID, chunks[0].Start, chunks[11].End)
	require.NoError(t, err)
	require.Len(t, dets, 1, "inferior detection must be superseded")
	assert.Equal(t, 0.90, dets[0].Probability)

	_, err = os.Stat(dets[0].ClipPath)
	assert.NoError(t, err, "winner keeps its clip")

	clips, err := filepath.Glob(filepath.Join(r.ClipRoot, user.ID, "*", "*.wav"))
	require.NoError(t, err)
	assert.Len(t, clips, 1, "superseded clip must be removed")
}

func TestFetchFailureSkipsChunkAndBalances(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	failing := chunks[7].Window()
	p.listErr[failing] = provider.ErrTransient
	p.listAudit[failing] = []provider.CallResult{
		{StatusCode: 502, Window: failing, Outcome: "transient"},
		{StatusCode: 502, Window: failing, Outcome: "transient"},
		{StatusCode: 502, Window: failing, Outcome: "transient"},
		{StatusCode: 502, Window: failing, Outcome: "gave up"},
	}

	rec, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerScheduled)
	require.NoError(t, err, "a failed chunk must not fail the run")

	assert.Equal(t, db.RunCompleted, rec.Status)
	assert.Equal(t, int64(11), rec.AudioFilesDownloaded, "11 resolved + 1 failed = 12 planned")
	assert.Len(t, rec.APICallAudit, 11+4, "every retry attempt is auditable")

	// The failed window left no segment row, so a re-run retries it.
	_, err = r.ProcessDay(context.Background(), user, testDate, db.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 2, p.listCount[failing])
}

func TestDetectFailureResolvesSegmentWithZeroEvents(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	_, key := descriptorAt(p, chunks[4], 0, time.Minute)
	a.errs[key] = errors.New("oracle crashed mid-inference")

	rec, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, db.RunCompleted, rec.Status)
	assert.Equal(t, int64(12), rec.AudioFilesDownloaded)
	assert.Equal(t, int64(0), rec.LaughterEventsFound)

	// The segment is terminally processed: no retry on the next run.
	done, err := r.DB.SegmentProcessed(user.ID, chunks[4].Start, chunks[4].End)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = r.ProcessDay(context.Background(), user, testDate, db.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, p.listCount[chunks[4].Window()])
}

func TestProcessDayUnexpectedErrorFailsRun(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	p.listErr[chunks[1].Window()] = errors.New("wires crossed")

	rec, err := r.ProcessDay(context.Background(), user, testDate, db.TriggerScheduled)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, db.RunFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetails, "wires crossed")

	stored, err := r.DB.GetRunLog(user.ID, testDate)
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, stored.Status)
}

func TestProcessDayCancellationBetweenChunks(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	chunks := dayChunks(t, "UTC")
	_, key := descriptorAt(p, chunks[0], 0, time.Minute)
	a.events[key] = []classifier.Event{
		{Offset: 2 * time.Second, Probability: 0.7, ClassID: 13, ClassName: "Laughter"},
	}

	// Cancel once the third chunk has been listed.
	ctx, cancel := context.WithCancel(context.Background())
	canceling := &cancelAfterProvider{inner: p, n: 3, cancel: cancel}
	r.ProviderFor = func(*db.User) AudioProvider { return canceling }

	rec, err := r.ProcessDay(ctx, user, testDate, db.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, db.RunFailed, rec.Status)

	// Work done before cancellation is durable.
	done, err := r.DB.SegmentProcessed(user.ID, chunks[0].Start, chunks[0].End)
	require.NoError(t, err)
	assert.True(t, done)
	n, err := r.DB.CountDetections(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// cancelAfterProvider cancels the run context after n list calls.
type cancelAfterProvider struct {
	inner  *fakeProvider
	n      int
	calls  int
	cancel context.CancelFunc
}

func (c *cancelAfterProvider) ListSegments(win chunk.Chunk) ([]provider.SegmentDescriptor, []provider.CallResult, error) {
	c.calls++
	if c.calls >= c.n {
		c.cancel()
	}
	return c.inner.ListSegments(win)
}

func (c *cancelAfterProvider) Download(desc provider.SegmentDescriptor, destPath string) error {
	return c.inner.Download(desc, destPath)
}

func TestProcessRangeCoversEveryDate(t *testing.T) {
	p := newFakeProvider()
	a := newFakeAnalyzer()
	r := newTestRunner(t, p, a)
	user := newTestUser(t, r.DB, "UTC")

	recs, err := r.ProcessRange(context.Background(), user, "2025-06-07", "2025-06-08", db.TriggerManual)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2025-06-07", recs[0].CalendarDate)
	assert.Equal(t, "2025-06-08", recs[1].CalendarDate)

	logs, err := r.DB.RunLogs(user.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, db.RunCompleted, l.Status)
		assert.Equal(t, db.TriggerManual, l.TriggerType)
	}
}

// The runner normally sees fakes; this drives a full day through the
// real provider client against an HTTP test server, pinning the audit
// trail a flaky window produces: three 502 attempts then success, all
// recorded on the same run.
func TestProcessDayRecordsRetriedWindowAudit(t *testing.T) {
	chunks := dayChunks(t, "UTC")
	flaky := chunks[7] // 14:00-16:00 UTC

	wavPath := filepath.Join(t.TempDir(), "payload.wav")
	require.NoError(t, clip.WriteSilence(wavPath, 30*time.Second, 16000, 1, 16))
	wavBytes, err := os.ReadFile(wavPath)
	require.NoError(t, err)

	var attempts int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/payload.wav" {
			w.Write(wavBytes)
			return
		}
		start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		if err != nil {
			t.Errorf("bad start param: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !start.Equal(flaky.Start) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		attempts++
		if attempts <= 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"segments": []provider.SegmentDescriptor{{
				ID:          "seg-flaky",
				Start:       flaky.Start.Add(10 * time.Second),
				End:         flaky.Start.Add(40 * time.Second),
				DownloadURL: srv.URL + "/payload.wav",
			}},
		})
	}))
	defer srv.Close()

	a := newFakeAnalyzer()
	a.events["20250608T140000Z-00.wav"] = []classifier.Event{
		{Offset: 5 * time.Second, Probability: 0.8, ClassID: 16, ClassName: "Laughter"},
	}
	runner := newTestRunner(t, newFakeProvider(), a)
	runner.ProviderFor = func(u *db.User) AudioProvider {
		return &provider.Client{
			BaseURL:    srv.URL,
			Token:      u.ProviderToken,
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
		}
	}
	user := newTestUser(t, runner.DB, "UTC")

	rec, err := runner.ProcessDay(context.Background(), user, testDate, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, rec.Status)
	assert.Equal(t, int64(len(chunks)), rec.AudioFilesDownloaded)
	assert.Equal(t, int64(1), rec.LaughterEventsFound)

	// 11 quiet windows audit one 404 each; the flaky window audits
	// every attempt.
	var flakyAudit []db.APICall
	var quiet int
	for _, call := range rec.APICallAudit {
		if call.Window == flaky.Window() {
			flakyAudit = append(flakyAudit, call)
			continue
		}
		require.Equal(t, 404, call.StatusCode)
		quiet++
	}
	assert.Equal(t, len(chunks)-1, quiet)
	require.Len(t, flakyAudit, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusBadGateway, flakyAudit[i].StatusCode)
	}
	assert.Equal(t, 200, flakyAudit[3].StatusCode)

	n, err := runner.DB.CountDetections(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
