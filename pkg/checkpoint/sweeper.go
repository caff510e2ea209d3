package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/threadagent/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultSweepSchedule = "@every 1h"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep schedule expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// Sweeper deletes threads that have not been updated within MaxAge
type Sweeper struct {
	store    Checkpointer
	maxAge   time.Duration
	schedule string
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a retention sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(store Checkpointer, maxAge time.Duration, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		now:      time.Now,
	}
}

// Start schedules periodic sweeps. It is a no-op when maxAge is zero.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	if s.maxAge <= 0 {
		log.Info().Msg("Thread retention disabled")
		return nil
	}

	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to sweep expired threads")
		}
	}); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	c.Start()
	s.cron = c
	s.running = true

	log.Info().
		Dur("max_age", s.maxAge).
		Str("schedule", s.schedule).
		Msg("Thread retention started")

	return nil
}

// Stop halts scheduling and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		log.Info().Msg("Thread retention stopped")
	}
}

// Sweep deletes expired threads once and returns how many were removed
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}

	threads, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list threads: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	deleted := 0

	for _, t := range threads {
		if !t.UpdatedAt.Before(cutoff) {
			continue
		}
		err := s.store.Delete(ctx, t.ThreadID)
		observability.RecordThreadAudit(ctx, "thread_deleted", "retention", t.ThreadID, err)
		if err != nil {
			log.Error().Str("thread_id", t.ThreadID).Err(err).Msg("Failed to delete thread")
			continue
		}
		deleted++
		log.Debug().
			Str("thread_id", t.ThreadID).
			Dur("age", s.now().Sub(t.UpdatedAt)).
			Msg("Expired thread deleted")
	}

	if deleted > 0 {
		observability.RecordThreadsDeleted(deleted)
		log.Info().Int("deleted", deleted).Msg("Cleaned up expired threads")
	}

	return deleted, nil
}
