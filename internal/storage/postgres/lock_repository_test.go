package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/testutil"
)

func TestLockRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := NewLockRepository(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	t.Run("second owner is refused until release", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		ok, err := repo.TryAcquire(ctx, "lock:order:timeout", "a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
		}
		ok, err = repo.TryAcquire(ctx, "lock:order:timeout", "b", time.Minute)
		if err != nil || ok {
			t.Fatalf("expected refusal, got ok=%v err=%v", ok, err)
		}

		released, err := repo.Release(ctx, "lock:order:timeout", "b")
		if err != nil || released {
			t.Fatalf("expected non-owner release refused, got released=%v err=%v", released, err)
		}
		released, err = repo.Release(ctx, "lock:order:timeout", "a")
		if err != nil || !released {
			t.Fatalf("expected owner release, got released=%v err=%v", released, err)
		}

		ok, err = repo.TryAcquire(ctx, "lock:order:timeout", "b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected acquire after release, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		ok, err := repo.TryAcquire(ctx, "lock:groupbuy:expire", "a", 10*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
		}
		time.Sleep(50 * time.Millisecond)

		ok, err = repo.TryAcquire(ctx, "lock:groupbuy:expire", "b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected takeover, got ok=%v err=%v", ok, err)
		}
		released, err := repo.Release(ctx, "lock:groupbuy:expire", "a")
		if err != nil || released {
			t.Fatalf("expected stale owner release refused, got released=%v err=%v", released, err)
		}
	})
}
