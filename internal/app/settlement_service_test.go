package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

func TestShareAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		amount  int64
		percent string
		want    int64
	}{
		{name: "whole percent", amount: 1500, percent: "80", want: 1200},
		{name: "rounds down", amount: 999, percent: "33.33", want: 332},
		{name: "zero percent", amount: 1000, percent: "0", want: 0},
		{name: "clamped above hundred", amount: 1000, percent: "150", want: 1000},
		{name: "negative percent", amount: 1000, percent: "-5", want: 0},
		{name: "zero amount", amount: 0, percent: "50", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShareAmount(tt.amount, decimal.RequireFromString(tt.percent))
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

// Redeem, then three failed payouts: the record ends FAILED with retry_count 3
// and no later sweep selects it.
func TestSettlementService_RetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEngine(voucherActivity("act-1", 5))
	paid, err := e.buy(ctx, "u-1", "act-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	e.payout.setFail(true)

	res, err := e.vouchers.Redeem(ctx, RedeemInput{Code: paid.Vouchers[0].Code, Actor: merchant("m-1")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	id := res.Sharing.ID
	if res.Sharing.Status != domain.SharingStatusFailed || res.Sharing.RetryCount != 1 {
		t.Fatalf("expected FAILED with retry 1, got %+v", res.Sharing)
	}

	t.Run("backoff holds the retry back", func(t *testing.T) {
		report, err := e.settlement.RetryPending(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Total != 0 || e.payout.callCount() != 1 {
			t.Fatalf("expected record held back inside backoff, got %+v calls=%d", report, e.payout.callCount())
		}
	})

	e.clock.Advance(5 * time.Minute)
	if _, err := e.settlement.RetryPending(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := e.store.GetSharing(ctx, id)
	if rec.RetryCount != 2 {
		t.Fatalf("expected retry 2, got %d", rec.RetryCount)
	}

	e.clock.Advance(10 * time.Minute)
	if _, err := e.settlement.RetryPending(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ = e.store.GetSharing(ctx, id)
	if rec.RetryCount != 3 || rec.Status != domain.SharingStatusFailed {
		t.Fatalf("expected FAILED with retry 3, got %+v", rec)
	}
	if len(e.notifier.exhausted) != 1 || e.notifier.exhausted[0] != id {
		t.Fatalf("expected exhausted notification for %s, got %v", id, e.notifier.exhausted)
	}

	e.payout.setFail(false)
	e.clock.Advance(24 * time.Hour)
	calls := e.payout.callCount()
	report, err := e.settlement.RetryPending(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Total != 0 || e.payout.callCount() != calls {
		t.Fatalf("expected exhausted record excluded, got %+v", report)
	}

	if _, err := e.settlement.Attempt(ctx, id); !errors.Is(err, domain.ErrSettlementExhausted) {
		t.Fatalf("expected ErrSettlementExhausted, got %v", err)
	}

	exhausted, err := e.settlement.ListExhausted(ctx, 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(exhausted) != 1 || exhausted[0].ID != id {
		t.Fatalf("expected exhausted record listed, got %+v", exhausted)
	}
}

func TestSettlementService_PendingGrace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	clk := clock.NewManual(testNow)
	payout := &fakePayout{}
	svc := NewSettlementService(store, store, store, payout, clk)

	rec := domain.SharingRecord{
		ID:         "s-1",
		VoucherID:  "v-1",
		OrderID:    "o-1",
		MerchantID: "m-1",
		Amount:     500,
		Status:     domain.SharingStatusPending,
		CreatedAt:  testNow,
	}
	if err := store.CreateSharing(ctx, rec); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	report, err := svc.RetryPending(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Total != 0 {
		t.Fatalf("expected fresh pending record left to its first attempt, got %+v", report)
	}

	clk.Advance(3 * time.Minute)
	report, err = svc.RetryPending(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("expected abandoned pending record settled, got %+v", report)
	}
	got, _ := store.GetSharing(ctx, "s-1")
	if got.Status != domain.SharingStatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}

	t.Run("settled record cannot be attempted again", func(t *testing.T) {
		if _, err := svc.Attempt(ctx, "s-1"); !errors.Is(err, domain.ErrInvalidStateTransition) {
			t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
		}
		if payout.callCount() != 1 {
			t.Fatalf("expected a single payout, got %d", payout.callCount())
		}
	})
}

func TestSettlementService_BackoffDoesNotCrowdOutDueRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	clk := clock.NewManual(testNow)
	payout := &fakePayout{}
	svc := NewSettlementService(store, store, store, payout, clk, WithSettlementBatch(2, 1))

	lastAttempt := testNow.Add(-time.Minute)
	records := []domain.SharingRecord{
		{ID: "s-wait-1", Status: domain.SharingStatusFailed, RetryCount: 1, LastAttemptAt: &lastAttempt, CreatedAt: testNow.Add(-30 * time.Minute)},
		{ID: "s-wait-2", Status: domain.SharingStatusFailed, RetryCount: 1, LastAttemptAt: &lastAttempt, CreatedAt: testNow.Add(-20 * time.Minute)},
		{ID: "s-due", Status: domain.SharingStatusPending, CreatedAt: testNow.Add(-10 * time.Minute)},
	}
	for _, rec := range records {
		rec.VoucherID = "v-" + rec.ID
		rec.MerchantID = "m-1"
		rec.Amount = 100
		if err := store.CreateSharing(ctx, rec); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	report, err := svc.RetryPending(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Total != 1 || report.Succeeded != 1 {
		t.Fatalf("expected the abandoned pending record attempted, got %+v", report)
	}
	if payout.callCount() != 1 || payout.calls[0] != "s-due" {
		t.Fatalf("expected one payout for s-due, got %v", payout.calls)
	}
	got, _ := store.GetSharing(ctx, "s-due")
	if got.Status != domain.SharingStatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	for _, id := range []string{"s-wait-1", "s-wait-2"} {
		rec, _ := store.GetSharing(ctx, id)
		if rec.Status != domain.SharingStatusFailed || rec.RetryCount != 1 {
			t.Fatalf("expected %s untouched inside backoff, got %+v", id, rec)
		}
	}
}

func TestSettlementService_Due(t *testing.T) {
	t.Parallel()

	svc := NewSettlementService(nil, nil, nil, nil, clock.NewFixed(testNow))
	at := func(d time.Duration) *time.Time {
		ts := testNow.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		rec  domain.SharingRecord
		want bool
	}{
		{name: "pending", rec: domain.SharingRecord{Status: domain.SharingStatusPending}, want: true},
		{name: "first retry waits base", rec: domain.SharingRecord{Status: domain.SharingStatusFailed, RetryCount: 1, LastAttemptAt: at(4 * time.Minute)}, want: false},
		{name: "first retry after base", rec: domain.SharingRecord{Status: domain.SharingStatusFailed, RetryCount: 1, LastAttemptAt: at(5 * time.Minute)}, want: true},
		{name: "second retry doubles", rec: domain.SharingRecord{Status: domain.SharingStatusFailed, RetryCount: 2, LastAttemptAt: at(9 * time.Minute)}, want: false},
		{name: "second retry after double", rec: domain.SharingRecord{Status: domain.SharingStatusFailed, RetryCount: 2, LastAttemptAt: at(10 * time.Minute)}, want: true},
		{name: "exhausted", rec: domain.SharingRecord{Status: domain.SharingStatusFailed, RetryCount: 3, LastAttemptAt: at(time.Hour)}, want: false},
		{name: "processing", rec: domain.SharingRecord{Status: domain.SharingStatusProcessing}, want: false},
		{name: "success", rec: domain.SharingRecord{Status: domain.SharingStatusSuccess}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.due(tt.rec, testNow); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
