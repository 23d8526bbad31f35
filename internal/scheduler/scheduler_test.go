package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	ttls map[string]time.Duration
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}, ttls: map[string]time.Duration{}}
}

func (l *fakeLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return domain.ErrLockUnavailable
	}
	l.held[key] = true
	l.ttls[key] = ttl
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

func TestScheduler_Register(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		job  Job
	}{
		{"missing name", Job{LockKey: LockOrderTimeout, LockTTL: time.Minute, Run: noop}},
		{"missing lock key", Job{Name: "x", LockTTL: time.Minute, Run: noop}},
		{"missing run", Job{Name: "x", LockKey: LockOrderTimeout, LockTTL: time.Minute}},
		{"zero ttl", Job{Name: "x", LockKey: LockOrderTimeout, Run: noop}},
		{"bad schedule", Job{Name: "x", LockKey: LockOrderTimeout, LockTTL: time.Minute, Schedule: "every tuesday", Run: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(newFakeLocker(), nil)
			if err := s.Register(tt.job); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		s := New(newFakeLocker(), nil)
		job := Job{Name: "order-timeout", LockKey: LockOrderTimeout, LockTTL: time.Minute, Schedule: "@every 5m", Run: noop}
		if err := s.Register(job); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := s.Register(job); err == nil {
			t.Fatalf("expected duplicate error, got nil")
		}
		if got := len(s.Jobs()); got != 1 {
			t.Fatalf("expected 1 job, got %d", got)
		}
	})
}

func TestScheduler_RunOnce(t *testing.T) {
	t.Parallel()

	locker := newFakeLocker()
	s := New(locker, nil)

	runs := 0
	if err := s.Register(Job{
		Name:    "settlement-retry",
		LockKey: LockSettlementRetry,
		LockTTL: 5 * time.Minute,
		Run: func(context.Context) error {
			runs++
			return nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.RunOnce(context.Background(), "settlement-retry"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}
	if locker.ttls[LockSettlementRetry] != 5*time.Minute {
		t.Fatalf("expected ttl 5m, got %v", locker.ttls[LockSettlementRetry])
	}

	locker.held[LockSettlementRetry] = true
	if err := s.RunOnce(context.Background(), "settlement-retry"); !errors.Is(err, domain.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected skipped run, got %d runs", runs)
	}

	if err := s.RunOnce(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestScheduler_RunOnceReturnsJobError(t *testing.T) {
	t.Parallel()

	boom := errors.New("sweep failed")
	s := New(newFakeLocker(), nil)
	_ = s.Register(Job{Name: "groupbuy-expire", LockKey: LockGroupBuyExpire, LockTTL: time.Minute, Run: func(context.Context) error { return boom }})

	if err := s.RunOnce(context.Background(), "groupbuy-expire"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	s := New(newFakeLocker(), nil, WithLocation(time.UTC))
	if err := s.Register(Job{Name: "equity-scan", LockKey: LockEquityScan, LockTTL: time.Minute, Schedule: "0 1 * * *", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}
