package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stokedbloke/giggles-cli-sub001/internal/chunk"
	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
)

// ErrBusy is returned when a manual run is requested while another run
// holds the pipeline. Runs are strictly serialized per process.
var ErrBusy = errors.New("a processing run is already in progress")

// SweepStatus is the externally visible state of the controller,
// reported by the status API.
type SweepStatus struct {
	Busy       bool      `json:"busy"`
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Users      int       `json:"users"`
	Failures   int       `json:"failures"`
}

// Controller serializes pipeline runs and coalesces sweep triggers.
// Sweep requests arriving while a sweep is queued or running collapse
// into the single pending one; manual per-user runs refuse with ErrBusy
// instead of queueing.
type Controller struct {
	Runner     *Runner
	RunTimeout time.Duration // wall-clock bound per sweep or manual run; 0 means none

	mu      sync.Mutex
	running bool
	busy    bool
	status  SweepStatus
	sweepCh chan string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewController(runner *Runner, runTimeout time.Duration) *Controller {
	return &Controller{
		Runner:     runner,
		RunTimeout: runTimeout,
		sweepCh:    make(chan string, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run services sweep triggers until the context is cancelled or Stop is
// called. It blocks; run it in its own goroutine.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		close(c.doneCh)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case trigger := <-c.sweepCh:
			c.runSweep(ctx, trigger)
		}
	}
}

// Stop requests shutdown and waits for the in-flight sweep, if any, to
// reach its next chunk boundary. Safe to call multiple times.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.mu.Unlock()

	<-c.doneCh
}

// TriggerSweep queues a sweep over all active users. Returns false when
// a sweep is already pending; the pending one covers this request.
func (c *Controller) TriggerSweep(trigger string) bool {
	select {
	case c.sweepCh <- trigger:
		return true
	default:
		return false
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() SweepStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	st.Busy = c.busy
	return st
}

// acquire marks the pipeline busy for one run. Returns false if busy.
func (c *Controller) acquire(trigger string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	c.status = SweepStatus{Trigger: trigger, StartedAt: time.Now().UTC()}
	return true
}

func (c *Controller) release(users, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.status.FinishedAt = time.Now().UTC()
	c.status.Users = users
	c.status.Failures = failures
}

// runSweep processes yesterday for every active user. One user's
// failure is recorded and the sweep moves on; an unusable user row
// (bad timezone) is skipped the same way.
func (c *Controller) runSweep(ctx context.Context, trigger string) {
	if !c.acquire(trigger) {
		// A manual run snuck in; re-queue the sweep for when it ends.
		c.TriggerSweep(trigger)
		return
	}

	runCtx := ctx
	cancel := func() {}
	if c.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.RunTimeout)
	}
	defer cancel()

	users, err := c.Runner.DB.ActiveUsers()
	if err != nil {
		log.Printf("sweep aborted, cannot list active users: %v", err)
		c.release(0, 0)
		return
	}
	log.Printf("sweep started: trigger=%s users=%d", trigger, len(users))

	failures := 0
	for i := range users {
		user := &users[i]
		if runCtx.Err() != nil {
			log.Printf("sweep cancelled after %d users", i)
			failures += len(users) - i
			break
		}
		loc, err := user.Location()
		if err != nil {
			log.Printf("sweep skipping user %s: %v", user.ID, err)
			failures++
			continue
		}
		date := chunk.Yesterday(c.Runner.now(), loc)
		if _, err := c.Runner.ProcessDay(runCtx, user, date, trigger); err != nil {
			failures++
		}
	}

	c.release(len(users), failures)
	log.Printf("sweep finished: trigger=%s users=%d failures=%d", trigger, len(users), failures)
}

// ProcessRange runs the pipeline synchronously for one user over an
// inclusive date range. Used by the manual API trigger. Refuses with
// ErrBusy rather than queueing behind a sweep.
func (c *Controller) ProcessRange(ctx context.Context, userID, fromDate, toDate string) ([]*db.ProcessingLogRecord, error) {
	user, err := c.Runner.DB.GetUser(userID)
	if err != nil {
		return nil, err
	}

	if !c.acquire(db.TriggerManual) {
		return nil, ErrBusy
	}
	defer func() {
		// Users/failures are per-sweep notions; a manual run reports one
		// user and whether it failed via the returned records.
		c.release(1, 0)
	}()

	runCtx := ctx
	cancel := func() {}
	if c.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.RunTimeout)
	}
	defer cancel()

	recs, err := c.Runner.ProcessRange(runCtx, user, fromDate, toDate, db.TriggerManual)
	if err != nil {
		return recs, fmt.Errorf("range run for user %s: %w", userID, err)
	}
	return recs, nil
}
