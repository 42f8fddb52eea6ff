package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/async"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage/lease"
	"github.com/platinummonkey/gatekeeper/pkg/workflow"
)

// Job names, used for schedules, leases and metric labels.
const (
	JobEscalation = "escalation"
	JobReminder   = "reminder"
	JobRecovery   = "recovery"
	JobRetention  = "retention"
)

// Engine is the part of the workflow engine the sweeper drives.
type Engine interface {
	Overdue(ctx context.Context, after workflow.Cursor, limit int) ([]workflow.Instance, error)
	Escalate(ctx context.Context, inst workflow.Instance) (bool, error)
	DueForReminder(ctx context.Context, lead time.Duration, limit int) ([]workflow.Instance, error)
	Remind(ctx context.Context, inst workflow.Instance) error
	StalePending(ctx context.Context, grace time.Duration, limit int) ([]workflow.Instance, error)
	Unsettled(ctx context.Context, limit int) ([]workflow.Instance, error)
	Recover(ctx context.Context, instanceID string) (*workflow.Instance, error)
}

// Retention purges audit entries past the retention window.
type Retention interface {
	PurgeExpired(ctx context.Context, retentionDays int) (int64, error)
}

// Config holds sweep settings. An empty schedule disables a job.
type Config struct {
	EscalationSchedule string
	ReminderSchedule   string
	RecoverySchedule   string
	RetentionSchedule  string

	// ReminderLead is how long before the due date a reminder goes out
	ReminderLead time.Duration
	// ItemTimeout bounds each reminder dispatch
	ItemTimeout time.Duration
	// Workers is the reminder dispatch concurrency
	Workers int
	// BatchSize caps the instances one query returns
	BatchSize int
	// PendingGrace is how long an instance may stay pending before recovery
	// starts it
	PendingGrace time.Duration
	// RetentionDays is the audit retention window; 0 disables the job
	RetentionDays int
	// LeaseTTL bounds how long a crashed replica holds a job
	LeaseTTL time.Duration
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		EscalationSchedule: "*/5 * * * *",
		ReminderSchedule:   "*/15 * * * *",
		RecoverySchedule:   "*/10 * * * *",
		RetentionSchedule:  "30 3 * * *",
		ReminderLead:       4 * time.Hour,
		ItemTimeout:        10 * time.Second,
		Workers:            4,
		BatchSize:          500,
		PendingGrace:       5 * time.Minute,
		LeaseTTL:           5 * time.Minute,
	}
}

// Sweeper runs the time-driven workflow jobs.
type Sweeper struct {
	engine    Engine
	retention Retention
	locker    *lease.Locker
	metrics   *observability.Metrics
	logger    logrus.FieldLogger
	config    Config
}

// New creates a sweeper. retention, locker and metrics may be nil; without a
// locker every replica runs every job.
func New(engine Engine, retention Retention, locker *lease.Locker, metrics *observability.Metrics, logger logrus.FieldLogger, config Config) *Sweeper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = def.ItemTimeout
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = def.LeaseTTL
	}
	return &Sweeper{
		engine:    engine,
		retention: retention,
		locker:    locker,
		metrics:   metrics,
		logger:    logger,
		config:    config,
	}
}

// Schedules returns the cron spec of every enabled job.
func (s *Sweeper) Schedules() map[string]string {
	out := map[string]string{}
	for job, spec := range map[string]string{
		JobEscalation: s.config.EscalationSchedule,
		JobReminder:   s.config.ReminderSchedule,
		JobRecovery:   s.config.RecoverySchedule,
		JobRetention:  s.config.RetentionSchedule,
	} {
		if spec == "" || (job == JobRetention && !s.retentionEnabled()) {
			continue
		}
		out[job] = spec
	}
	return out
}

func (s *Sweeper) retentionEnabled() bool {
	return s.retention != nil && s.config.RetentionDays > 0
}

// RunOnce runs every job once, in a fixed order, and joins their errors.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	jobs := []string{JobRecovery, JobEscalation, JobReminder}
	if s.retentionEnabled() {
		jobs = append(jobs, JobRetention)
	}
	var errs []error
	for _, job := range jobs {
		if err := s.Run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job, err))
		}
	}
	return errors.Join(errs...)
}

// Run runs one job under its lease.
func (s *Sweeper) Run(ctx context.Context, job string) error {
	var fn func(context.Context) error
	switch job {
	case JobEscalation:
		fn = s.escalate
	case JobReminder:
		fn = s.remind
	case JobRecovery:
		fn = s.recover
	case JobRetention:
		fn = s.purge
	default:
		return fmt.Errorf("unknown sweep job %q", job)
	}
	logger := s.logger.WithField("job", job)

	if s.locker != nil {
		l, ok, err := s.locker.Acquire(ctx, "sweep:"+job, s.config.LeaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("lease held by another replica, skipping")
			return nil
		}
		defer func() {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				logger.WithError(err).Warn("failed to release lease")
			}
		}()
	}

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordSweepRun(job, err, time.Since(start))
	if err != nil {
		logger.WithError(err).Error("sweep job failed")
	}
	return err
}

// tally counts item outcomes of one run.
type tally map[string]int

func (s *Sweeper) report(job string, t tally) error {
	fields := logrus.Fields{"job": job}
	for outcome, n := range t {
		s.metrics.RecordSweepItems(job, outcome, n)
		fields[outcome] = n
	}
	if len(t) > 0 {
		s.logger.WithFields(fields).Info("sweep job finished")
	}
	if n := t["failed"]; n > 0 {
		return fmt.Errorf("%d items failed", n)
	}
	return nil
}

// escalate pages through every overdue instance so ones that cannot be
// escalated never hide the rest.
func (s *Sweeper) escalate(ctx context.Context) error {
	t := tally{}
	var after workflow.Cursor
	for {
		page, err := s.engine.Overdue(ctx, after, s.config.BatchSize)
		if err != nil {
			return err
		}
		for _, inst := range page {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ok, err := s.engine.Escalate(ctx, inst)
			switch {
			case err != nil:
				t["failed"]++
				s.logger.WithError(err).WithField("instance_id", inst.ID).Warn("escalation failed")
			case ok:
				t["escalated"]++
			default:
				t["skipped"]++
			}
		}
		if len(page) < s.config.BatchSize {
			break
		}
		after = page[len(page)-1].Cursor()
	}
	return s.report(JobEscalation, t)
}

func (s *Sweeper) remind(ctx context.Context) error {
	due, err := s.engine.DueForReminder(ctx, s.config.ReminderLead, s.config.BatchSize)
	if err != nil {
		return err
	}
	results := async.Batch(ctx, s.logger, due, s.config.Workers, "reminder", s.config.ItemTimeout,
		func(ctx context.Context, inst workflow.Instance) error {
			return s.engine.Remind(ctx, inst)
		})
	t := tally{}
	for i, err := range results {
		switch {
		case err == nil:
			t["sent"]++
		case errors.Is(err, workflow.ErrReminderSuperseded):
			t["skipped"]++
		default:
			t["failed"]++
			s.logger.WithError(err).WithField("instance_id", due[i].ID).Warn("reminder not delivered, will retry")
		}
	}
	return s.report(JobReminder, t)
}

func (s *Sweeper) recover(ctx context.Context) error {
	stale, err := s.engine.StalePending(ctx, s.config.PendingGrace, s.config.BatchSize)
	if err != nil {
		return err
	}
	unsettled, err := s.engine.Unsettled(ctx, s.config.BatchSize)
	if err != nil {
		return err
	}
	t := tally{}
	for _, inst := range append(stale, unsettled...) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		before := inst.Version
		out, err := s.engine.Recover(ctx, inst.ID)
		switch {
		case err != nil && !errors.Is(err, workflow.ErrNoEligibleApprovers):
			t["failed"]++
			s.logger.WithError(err).WithField("instance_id", inst.ID).Warn("recovery failed")
		case out != nil && out.Version != before:
			t["recovered"]++
		default:
			t["unchanged"]++
		}
	}
	return s.report(JobRecovery, t)
}

func (s *Sweeper) purge(ctx context.Context) error {
	if !s.retentionEnabled() {
		return nil
	}
	n, err := s.retention.PurgeExpired(ctx, s.config.RetentionDays)
	if err != nil {
		return err
	}
	return s.report(JobRetention, tally{"purged": int(n)})
}
