// Package scheduler runs periodic jobs on a wall-clock schedule, each under an
// exclusive lock so only one instance in a fleet acts per tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// Job is "run Run on Schedule, under LockKey held for at most LockTTL".
type Job struct {
	Name     string
	LockKey  string
	Schedule string
	LockTTL  time.Duration
	Run      func(ctx context.Context) error
}

// Locker is satisfied by app.LockService.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Scheduler struct {
	locker Locker
	logger *zap.Logger
	tracer trace.Tracer
	cron   *cron.Cron

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

type Option func(*Scheduler)

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.cron = cron.New(cron.WithLocation(loc))
		}
	}
}

func New(locker Locker, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		locker: locker,
		logger: logger,
		tracer: otel.Tracer("scheduler"),
		cron:   cron.New(),
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var ErrUnknownJob = errors.New("unknown job")

// Register validates job and adds it to the cron table.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.LockKey == "" || job.Run == nil {
		return fmt.Errorf("job %q: name, lock key and run are required", job.Name)
	}
	if job.LockTTL <= 0 {
		return fmt.Errorf("job %q: lock ttl must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Schedule != "" {
		name := job.Name
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.tick(name) }); err != nil {
			return fmt.Errorf("job %q: schedule %q: %w", job.Name, job.Schedule, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns registered jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start begins firing jobs; ctx is handed to every run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Jobs())))
}

// Stop prevents new runs and waits for running ones or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out; jobs still running")
	}
}

func (s *Scheduler) tick(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.RunOnce(ctx, name); err != nil && !errors.Is(err, domain.ErrLockUnavailable) {
		s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
	}
}

// RunOnce executes the named job now under its lock. When another instance
// holds the lock the run is skipped and domain.ErrLockUnavailable returned.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ctx, span := s.tracer.Start(ctx, "job "+job.Name, trace.WithAttributes(
		attribute.String("job.name", job.Name),
		attribute.String("job.lock_key", job.LockKey),
	))
	defer span.End()

	start := time.Now()
	err := s.locker.WithLock(ctx, job.LockKey, job.LockTTL, job.Run)
	switch {
	case errors.Is(err, domain.ErrLockUnavailable):
		span.SetAttributes(attribute.Bool("job.skipped", true))
		s.logger.Info("job skipped, lock held elsewhere", zap.String("job", job.Name), zap.String("lock", job.LockKey))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		s.logger.Info("job finished", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	}
	return err
}
