package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
)

// Scheduler fires one sweep trigger per day at a fixed wall-clock time.
// The sweep itself picks each user's "yesterday" in that user's
// timezone, so the firing time only needs to land after every covered
// timezone has rolled over (early morning server time works well).
type Scheduler struct {
	Controller *Controller
	At         string         // "HH:MM", 24-hour
	Location   *time.Location // nil means time.Local

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewScheduler(ctrl *Controller, at string, loc *time.Location) (*Scheduler, error) {
	if _, err := time.Parse("15:04", at); err != nil {
		return nil, fmt.Errorf("bad schedule time %q: %w", at, err)
	}
	return &Scheduler{
		Controller: ctrl,
		At:         at,
		Location:   loc,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Run blocks, firing the nightly trigger, until the context is
// cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		close(s.doneCh)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log.Printf("scheduler started: daily sweep at %s", s.At)

	for {
		wait := time.Until(s.next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
			if !s.Controller.TriggerSweep(db.TriggerScheduled) {
				log.Printf("scheduler: sweep already pending, skipping")
			}
		}
	}
}

// Stop requests shutdown and waits for the loop to exit. Safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	<-s.doneCh
}

// next returns the first future instant matching the configured HH:MM.
func (s *Scheduler) next(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	at, _ := time.Parse("15:04", s.At)

	local := now.In(loc)
	fire := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}
