package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"automation-hub/backend/internal/lease"
	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

const sweepLeaseName = "scheduler.sweep"

// Result summarizes one sweep.
type Result struct {
	// Skipped is set when another process held the sweep lease.
	Skipped bool `json:"skipped"`
	Claimed int  `json:"claimed"`
	Fired   int  `json:"fired"`
	Failed  int  `json:"failed"`
	// Lost counts claimed rows whose lease lapsed to another sweep before
	// they were fired.
	Lost int `json:"lost"`
}

// Sweeper runs due schedules.
type Sweeper struct {
	store     repository.ScheduleStore
	jobs      *Jobs
	locker    lease.Locker
	logger    *logging.Logger
	loc       *time.Location
	leaseTTL  time.Duration
	heartbeat time.Duration
	batch     int
	now       func() time.Time

	fired  metric.Int64Counter
	failed metric.Int64Counter
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker sets the cluster lease. The default grants every sweep and
// relies on row claims alone.
func WithLocker(l lease.Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithLogger sets the sweeper logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithLocation sets the zone active hours and days are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Sweeper) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithLease sets how long a sweep may hold the lease and its claimed rows.
func WithLease(ttl time.Duration) Option {
	return func(s *Sweeper) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithHeartbeat sets how often a running job's claim is extended. It
// defaults to a third of the lease.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithClock sets the clock claim extensions and Run use.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBatchSize caps the schedules claimed per sweep.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewSweeper creates a Sweeper.
func NewSweeper(store repository.ScheduleStore, jobs *Jobs, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		jobs:     jobs,
		locker:   lease.NopLocker{},
		logger:   logging.Nop(),
		loc:      time.UTC,
		leaseTTL: 5 * time.Minute,
		batch:    100,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.heartbeat == 0 {
		s.heartbeat = s.leaseTTL / 3
	}

	meter := otel.Meter("automation-hub/backend/internal/scheduling")
	s.fired, _ = meter.Int64Counter("scheduler.fired", metric.WithDescription("Scheduled jobs triggered"))
	s.failed, _ = meter.Int64Counter("scheduler.failed", metric.WithDescription("Scheduled jobs that returned an error"))
	return s
}

// Sweep fires every schedule due at now. A schedule is fired by at most one
// concurrent sweep: rows are claimed under a lease before any job runs, and
// the lease is extended while each job runs.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	l, err := s.locker.Acquire(ctx, sweepLeaseName, s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		s.logger.Debug("sweep skipped, lease held elsewhere")
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("acquire sweep lease: %w", err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release sweep lease", "error", err)
		}
	}()

	local := now.In(s.loc)
	claimed, err := s.store.ClaimDueSchedules(ctx, now, local.Hour(), models.Weekday(local), now.Add(s.leaseTTL), s.batch)
	if err != nil {
		return Result{}, fmt.Errorf("claim due schedules: %w", err)
	}

	res := Result{Claimed: len(claimed)}
	var errs []error
	for _, se := range claimed {
		// Rows wait their turn behind slower jobs; renew the claim so it
		// covers this row's own run.
		if err := s.store.ExtendScheduleClaim(ctx, se, s.now().Add(s.leaseTTL)); err != nil {
			if errors.Is(err, repository.ErrClaimLost) {
				res.Lost++
				s.logger.Warn("schedule claim lapsed before firing", "schedule_id", se.ID)
				continue
			}
			errs = append(errs, fmt.Errorf("extend claim %s: %w", se.ID, err))
			continue
		}

		release := s.hold(ctx, se)
		err := s.fire(ctx, now, se)
		release()
		if err != nil {
			res.Failed++
		} else {
			res.Fired++
		}

		err = s.store.CompleteSchedule(ctx, se)
		switch {
		case errors.Is(err, repository.ErrClaimLost):
			s.logger.Warn("schedule claim lost before completion", "schedule_id", se.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("complete schedule %s: %w", se.ID, err))
		}
	}
	if res.Claimed > 0 {
		s.logger.Info("sweep finished", "claimed", res.Claimed, "fired", res.Fired, "failed", res.Failed, "lost", res.Lost)
	}
	return res, errors.Join(errs...)
}

// hold extends se's claim every heartbeat until the returned func is called.
func (s *Sweeper) hold(ctx context.Context, se *models.ScheduledExecution) (release func()) {
	// The job owns se while it runs; extend through a copy of the claim.
	claim := &models.ScheduledExecution{ID: se.ID, ClaimToken: se.ClaimToken}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.store.ExtendScheduleClaim(ctx, claim, s.now().Add(s.leaseTTL))
				if errors.Is(err, repository.ErrClaimLost) {
					s.logger.Warn("schedule claim lost while running", "schedule_id", se.ID)
					return
				}
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("extend schedule claim", "schedule_id", se.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// fire triggers se's job and updates se in place: the run is counted, then
// a recurring schedule advances and anything else is disarmed.
func (s *Sweeper) fire(ctx context.Context, now time.Time, se *models.ScheduledExecution) (err error) {
	log := s.logger.With("schedule_id", se.ID, "job", se.Job, "tenant_id", se.TenantID)
	attrs := metric.WithAttributes(attribute.String("job", se.Job))

	err = s.trigger(ctx, se)
	stop := errors.Is(err, ErrStop)
	switch {
	case err == nil || stop:
		se.LastError = ""
		s.fired.Add(ctx, 1, attrs)
	default:
		se.LastError = err.Error()
		s.failed.Add(ctx, 1, attrs)
		log.Warn("scheduled job failed", "error", err)
	}

	if permitted := se.IncrementRunCount(); permitted && se.IsRecurring && !stop {
		se.Advance(now)
	} else {
		se.ScheduledTime = nil
		se.IsRecurring = false
	}
	if stop {
		log.Info("schedule stopped by job", "reason", err)
		return nil
	}
	return err
}

func (s *Sweeper) trigger(ctx context.Context, se *models.ScheduledExecution) (err error) {
	job, err := s.jobs.Lookup(se.Job)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", se.Job, p)
		}
	}()
	return job.TriggerJob(ctx, se)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
