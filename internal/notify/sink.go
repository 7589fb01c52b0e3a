// Package notify queues notifications during pipeline runs and delivers
// them afterwards. Queue only writes a row; Flush groups every unsent row by
// URI, attempts each once and records the result. Failed rows stay unsent
// and are picked up by the next flush.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

const (
	defaultBatchSize = 500
	defaultWorkers   = 4
)

// Report summarizes one flush.
type Report struct {
	Groups int `json:"groups"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Sink persists and delivers notifications.
type Sink struct {
	store     repository.NotificationStore
	deliverer Deliverer
	logger    *logging.Logger
	batchSize int
	workers   int
	now       func() time.Time

	// flushes in this process are serialized; delivery is at-least-once
	// across processes anyway.
	mu sync.Mutex
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithWorkers sets how many URI groups are delivered in parallel.
func WithWorkers(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBatchSize caps how many unsent rows one flush reads.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// NewSink creates a Sink.
func NewSink(store repository.NotificationStore, deliverer Deliverer, opts ...Option) *Sink {
	s := &Sink{
		store:     store,
		deliverer: deliverer,
		logger:    logging.Nop(),
		batchSize: defaultBatchSize,
		workers:   defaultWorkers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue persists n as unsent. It makes no external call.
func (s *Sink) Queue(ctx context.Context, n *models.Notification) error {
	if n.URI == "" {
		return errors.New("notify: notification has no uri")
	}
	return s.store.QueueNotification(ctx, n)
}

// Flush delivers every unsent notification. Delivery failures are recorded
// on the rows, not returned; the error is only for store failures.
func (s *Sink) Flush(ctx context.Context) error {
	_, err := s.FlushReport(ctx)
	return err
}

// FlushReport is Flush returning delivery counts.
func (s *Sink) FlushReport(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unsent, err := s.store.ListUnsentNotifications(ctx, s.batchSize)
	if err != nil {
		return Report{}, err
	}
	if len(unsent) == 0 {
		return Report{}, nil
	}

	groups := GroupByURI(unsent)
	rep := Report{Groups: len(groups)}

	var (
		mu   sync.Mutex
		errs []error
	)
	pool := workerpool.New(s.workers)
	for uri, batch := range groups {
		pool.Submit(func() {
			sent, failed, err := s.deliverGroup(ctx, uri, batch)
			mu.Lock()
			defer mu.Unlock()
			rep.Sent += sent
			rep.Failed += failed
			if err != nil {
				errs = append(errs, err)
			}
		})
	}
	pool.StopWait()

	if rep.Failed > 0 {
		s.logger.Warn("notifications failed", "sent", rep.Sent, "failed", rep.Failed)
	} else {
		s.logger.Debug("notifications flushed", "sent", rep.Sent, "groups", rep.Groups)
	}
	return rep, errors.Join(errs...)
}

func (s *Sink) deliverGroup(ctx context.Context, uri string, batch []*models.Notification) (sent, failed int, err error) {
	results := s.deliverer.Deliver(ctx, uri, batch)
	var errs []error
	for i, n := range batch {
		var dErr error
		if i < len(results) {
			dErr = results[i]
		}
		if dErr == nil {
			if err := s.store.MarkNotificationSent(ctx, n.ID, s.now()); err != nil {
				errs = append(errs, err)
				continue
			}
			sent++
			continue
		}
		failed++
		s.logger.Debug("notification delivery failed", "id", n.ID, "uri", uri, "error", dErr)
		if err := s.store.MarkNotificationFailed(ctx, n.ID, dErr.Error()); err != nil {
			errs = append(errs, err)
		}
	}
	return sent, failed, errors.Join(errs...)
}

// GroupByURI buckets notifications by delivery URI, keeping input order
// within each bucket.
func GroupByURI(ns []*models.Notification) map[string][]*models.Notification {
	out := make(map[string][]*models.Notification)
	for _, n := range ns {
		out[n.URI] = append(out[n.URI], n)
	}
	return out
}

// Run flushes every interval until ctx is done. It drives notifications
// queued outside of runs, such as by scheduled jobs.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic notification flush", "error", err)
			}
		}
	}
}
