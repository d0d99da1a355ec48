// Package pipeline sequences the per-user audio processing run: plan
// chunk windows, fetch and persist segments, score them with the
// classifier, deduplicate candidate events, extract clips, and write
// one processing-log record per (user, date).
//
// Processing is deliberately single-threaded: one chunk at a time, one
// user at a time. The memory reclaim checkpoints at chunk and run
// granularity only bound peak memory if no second chunk's buffers are
// alive concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stokedbloke/giggles-cli-sub001/internal/chunk"
	"github.com/stokedbloke/giggles-cli-sub001/internal/classifier"
	"github.com/stokedbloke/giggles-cli-sub001/internal/clip"
	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
	"github.com/stokedbloke/giggles-cli-sub001/internal/monitoring"
	"github.com/stokedbloke/giggles-cli-sub001/internal/provider"
)

// DedupWindow is the timestamp proximity threshold, scoped per class,
// used to collapse near-duplicate detections.
const DedupWindow = 5 * time.Second

// AudioProvider is the slice of the provider client the pipeline uses.
type AudioProvider interface {
	ListSegments(win chunk.Chunk) ([]provider.SegmentDescriptor, []provider.CallResult, error)
	Download(desc provider.SegmentDescriptor, destPath string) error
}

// Analyzer is the inference oracle contract: ordered candidate events
// above the acceptance threshold for one decoded segment.
type Analyzer interface {
	Analyze(wavPath string) ([]classifier.Event, error)
}

// Runner executes runs against one database, provider, and classifier
// handle. The classifier handle is constructed once per process and
// shared across runs by reference.
type Runner struct {
	DB *db.DB

	// ProviderFor builds the fetch client for one user, carrying that
	// user's provider token.
	ProviderFor func(user *db.User) AudioProvider
	Analyzer    Analyzer

	AudioRoot string // scratch space for raw segment payloads
	ClipRoot  string
	Window    time.Duration    // chunk width, at most the provider limit
	Now       func() time.Time // injected clock; nil means time.Now

	reclaim reclaimer
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) window() time.Duration {
	if r.Window > 0 {
		return r.Window
	}
	return chunk.MaxWindow
}

// ProcessDay runs the full pipeline for one user and one user-local
// calendar date. The returned record is the finalized processing log;
// err is non-nil only when the run failed (the record still reflects
// partial counters in that case). Cancellation via ctx takes effect
// between chunks: completed chunks stay durably processed.
func (r *Runner) ProcessDay(ctx context.Context, user *db.User, date, trigger string) (*db.ProcessingLogRecord, error) {
	loc, err := user.Location()
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", user.ID, err)
	}
	chunks, err := chunk.PlanDay(r.now(), date, loc, r.window())
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", user.ID, err)
	}

	if err := r.DB.StartRunLog(user.ID, date, trigger); err != nil {
		return nil, err
	}
	log.Printf("run started: user=%s date=%s trigger=%s chunks=%d", user.ID, date, trigger, len(chunks))

	rl := newRunLog(user.ID, date, trigger)
	prov := r.ProviderFor(user)
	started := time.Now()

	var runErr error
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := r.processChunk(prov, user, date, c, rl); err != nil {
			runErr = err
			break
		}
		r.reclaim.Checkpoint("chunk " + c.Window())
	}

	status := db.RunCompleted
	errDetails := ""
	if runErr != nil {
		status = db.RunFailed
		errDetails = runErr.Error()
		log.Printf("run failed: user=%s date=%s: %v", user.ID, date, runErr)
	}

	rec := rl.record(status, errDetails, time.Since(started).Seconds())
	if err := r.DB.FinishRunLog(rec); err != nil {
		// The run itself may have succeeded; losing the log record is
		// its own failure.
		if runErr == nil {
			runErr = err
		}
		log.Printf("failed to finalize run log for %s/%s: %v", user.ID, date, err)
	}

	r.reclaim.Checkpoint(fmt.Sprintf("run user=%s date=%s", user.ID, date))

	log.Printf("run finished: user=%s date=%s status=%s downloaded=%d failed=%d found=%d skipped=%d stored=%d",
		user.ID, date, status, rec.AudioFilesDownloaded, rl.failed, rec.LaughterEventsFound,
		rec.DuplicatesSkipped, rl.stored)

	return rec, runErr
}

// ProcessRange runs ProcessDay over every date in [fromDate, toDate]
// (user-local, inclusive). One failed day does not stop the remaining
// dates; cancellation does. Used by the manual trigger.
func (r *Runner) ProcessRange(ctx context.Context, user *db.User, fromDate, toDate, trigger string) ([]*db.ProcessingLogRecord, error) {
	loc, err := user.Location()
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", user.ID, err)
	}
	_, dates, err := chunk.PlanRange(r.now(), fromDate, toDate, loc, r.window())
	if err != nil {
		return nil, err
	}

	var recs []*db.ProcessingLogRecord
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		rec, err := r.ProcessDay(ctx, user, date, trigger)
		if rec != nil {
			recs = append(recs, rec)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return recs, err
		}
	}
	return recs, nil
}

// payload is one downloaded recording within a chunk window.
type payload struct {
	path  string
	start time.Time
}

// processChunk drives one chunk through the state machine. It returns
// an error only for unexpected failures, which abort the user's run;
// every classified failure resolves the chunk in place.
func (r *Runner) processChunk(prov AudioProvider, user *db.User, date string, c chunk.Chunk, rl *runLog) error {
	state := ChunkPlanned

	// Idempotency: a fully processed window is never re-fetched.
	done, err := r.DB.SegmentProcessed(user.ID, c.Start, c.End)
	if err != nil {
		return err
	}
	if done {
		log.Printf("chunk %s already processed for user %s, skipping", c.Window(), user.ID)
		rl.chunkResolved()
		return nil
	}

	state = r.transition(c, state, ChunkFetching)
	descs, calls, err := prov.ListSegments(c)
	rl.addCalls(calls)
	switch {
	case errors.Is(err, provider.ErrNoData):
		// An empty window is a resolved window.
		rl.chunkResolved()
		return nil
	case errors.Is(err, provider.ErrTransient) || errors.Is(err, provider.ErrPermanent):
		r.transition(c, state, ChunkFetchFailed)
		log.Printf("chunk %s skipped for user %s: %v", c.Window(), user.ID, err)
		rl.chunkFailed()
		return nil
	case err != nil:
		return err
	}

	payloads, failed, err := r.downloadPayloads(prov, user, c, descs)
	if err != nil {
		return err
	}
	if failed {
		r.transition(c, state, ChunkFetchFailed)
		rl.chunkFailed()
		return nil
	}
	state = r.transition(c, state, ChunkFetched)

	seg := &db.AudioSegment{
		UserID:       user.ID,
		CalendarDate: date,
		Start:        c.Start,
		End:          c.End,
		FilePath:     payloads[0].path,
	}
	if err := r.DB.InsertSegment(seg); err != nil {
		return err
	}
	rl.chunkResolved()

	state = r.transition(c, state, ChunkDetecting)
	type located struct {
		ev  classifier.Event
		src payload
	}
	var events []located
	var detectErr error
	for _, p := range payloads {
		evs, err := r.Analyzer.Analyze(p.path)
		if err != nil {
			detectErr = err
			break
		}
		for _, e := range evs {
			events = append(events, located{ev: e, src: p})
		}
	}
	if detectErr != nil {
		// Inference failure is fatal to this segment only: it resolves
		// with zero events and is not retried on the next run.
		r.transition(c, state, ChunkDetectFailed)
		log.Printf("chunk %s detection failed for user %s, marking processed with 0 events: %v",
			c.Window(), user.ID, detectErr)
		if err := r.DB.MarkSegmentProcessed(seg.ID); err != nil {
			return err
		}
		removePayloads(payloads)
		return nil
	}
	state = r.transition(c, state, ChunkDetected)
	rl.eventsFound(len(events))

	state = r.transition(c, state, ChunkDeduping)
	for _, le := range events {
		if err := r.resolveEvent(user, seg, le.src, le.ev, rl); err != nil {
			return err
		}
	}
	state = r.transition(c, state, ChunkStored)

	if err := r.DB.MarkSegmentProcessed(seg.ID); err != nil {
		return err
	}

	// Only clips and metadata survive; raw recordings are discarded.
	removePayloads(payloads)
	r.transition(c, state, ChunkCleaned)
	return nil
}

// downloadPayloads fetches every descriptor for the chunk, verifying
// each payload parses as audio. A corrupt payload resolves the whole
// chunk as a zero-event segment at the caller (via the validation
// error on Analyze); a failed download marks the chunk failed-skippable.
func (r *Runner) downloadPayloads(prov AudioProvider, user *db.User, c chunk.Chunk, descs []provider.SegmentDescriptor) (payloads []payload, failedChunk bool, err error) {
	dir := filepath.Join(r.AudioRoot, user.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, err
	}

	for i, d := range descs {
		dst := filepath.Join(dir, fmt.Sprintf("%s-%02d.wav", c.Start.UTC().Format("20060102T150405Z"), i))
		if err := prov.Download(d, dst); err != nil {
			if errors.Is(err, provider.ErrTransient) || errors.Is(err, provider.ErrPermanent) {
				log.Printf("chunk %s download failed for user %s: %v", c.Window(), user.ID, err)
				removePayloads(payloads)
				return nil, true, nil
			}
			return nil, false, err
		}
		payloads = append(payloads, payload{path: dst, start: d.Start})
	}
	return payloads, false, nil
}

// resolveEvent applies the dedup decision to one candidate and, when it
// survives, persists it with its extracted clip.
func (r *Runner) resolveEvent(user *db.User, seg *db.AudioSegment, src payload, ev classifier.Event, rl *runLog) error {
	ts := src.start.Add(ev.Offset)

	clipPath := filepath.Join(clip.Dir(r.ClipRoot, user.ID, seg.ID), uuid.NewString()+".wav")
	if err := clip.Extract(src.path, clipPath, ts, src.start, clip.Lead, clip.Tail); err != nil {
		return fmt.Errorf("clip extraction for event at %s: %w", ts.Format(time.RFC3339), err)
	}

	existing, err := r.DB.NearbyDetections(user.ID, ts, ev.ClassID, DedupWindow)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		// Best existing probability first. Ties keep the stored row.
		if ev.Probability <= existing[0].Probability {
			removeClip(clipPath)
			rl.duplicateSkipped()
			return nil
		}
		// Candidate wins: supersede inferior rows and their clips.
		for _, d := range existing {
			if err := r.DB.DeleteDetection(d.ID); err != nil {
				return err
			}
			removeClip(d.ClipPath)
		}
	}

	det := &db.StoredDetection{
		UserID:      user.ID,
		SegmentID:   seg.ID,
		Event:       ts,
		Probability: ev.Probability,
		ClassID:     ev.ClassID,
		ClassName:   ev.ClassName,
		ClipPath:    clipPath,
	}
	if err := r.DB.InsertDetection(det); err != nil {
		if errors.Is(err, db.ErrDuplicateDetection) {
			// A racing run got there first; same outcome as a dedup skip.
			removeClip(clipPath)
			rl.duplicateSkipped()
			return nil
		}
		return err
	}
	rl.detectionStored()
	return nil
}

func (r *Runner) transition(c chunk.Chunk, from, to ChunkState) ChunkState {
	monitoring.Logf("chunk %s: %s -> %s", c.Window(), from, to)
	return to
}

func removePayloads(payloads []payload) {
	for _, p := range payloads {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			log.Printf("failed to remove raw payload %s: %v", p.path, err)
		}
	}
}

func removeClip(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to remove clip %s: %v", path, err)
	}
}
