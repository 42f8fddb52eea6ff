package sweep

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Scheduler runs each sweep job on its own cron schedule. A run that is
// still going when its next tick fires is skipped.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	logger  logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	cancels map[string]context.CancelFunc
}

// NewScheduler creates a scheduler for the sweeper's enabled jobs.
func NewScheduler(sweeper *Sweeper, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = sweeper.logger
	}
	cl := cron.PrintfLogger(observability.PrintfLogger{Logger: logger})
	return &Scheduler{
		sweeper: sweeper,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		entries: map[string]cron.EntryID{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Start registers every enabled job and starts the cron loop. Jobs run with
// a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules := s.sweeper.Schedules()
	jobs := make([]string, 0, len(schedules))
	for job := range schedules {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		jobCtx, cancel := context.WithCancel(ctx)
		id, err := s.cron.AddFunc(schedules[job], func() {
			_ = s.sweeper.Run(jobCtx, job)
		})
		if err != nil {
			cancel()
			s.cancelAllLocked()
			return fmt.Errorf("invalid %s schedule %q: %w", job, schedules[job], err)
		}
		s.entries[job] = id
		s.cancels[job] = cancel
		s.logger.WithFields(logrus.Fields{"job": job, "schedule": schedules[job]}).Info("sweep job scheduled")
	}
	s.cron.Start()
	return nil
}

// Jobs returns the scheduled job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for job := range s.entries {
		out = append(out, job)
	}
	sort.Strings(out)
	return out
}

// Cancel unschedules one job and cancels its in-flight run. It reports
// whether the job was scheduled.
func (s *Scheduler) Cancel(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[job]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	s.cancels[job]()
	delete(s.entries, job)
	delete(s.cancels, job)
	return true
}

// Stop stops scheduling, cancels in-flight runs and returns a context that
// is done once they have returned.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.mu.Lock()
	s.cancelAllLocked()
	s.mu.Unlock()
	return done
}

func (s *Scheduler) cancelAllLocked() {
	for job, cancel := range s.cancels {
		cancel()
		s.cron.Remove(s.entries[job])
	}
	s.entries = map[string]cron.EntryID{}
	s.cancels = map[string]context.CancelFunc{}
}
