package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticFreeze struct {
	mu     sync.Mutex
	frozen map[string]bool
}

func (f *staticFreeze) set(id string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen == nil {
		f.frozen = make(map[string]bool)
	}
	f.frozen[id] = v
}

func (f *staticFreeze) HasOpenDispute(_ context.Context, escrowID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frozen[escrowID], nil
}

type env struct {
	engine  *Engine
	escrows *escrow.Service
	store   *escrow.MemoryStore
	ledger  *ledger.Ledger
	freeze  *staticFreeze
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := escrow.NewMemoryStore()
	led := ledger.New(ledger.NewMemoryStore())
	freeze := &staticFreeze{}
	escrows := escrow.NewService(store, led, "GHS").WithFreezeChecker(freeze)
	return &env{
		engine:  NewEngine(escrows, led),
		escrows: escrows,
		store:   store,
		ledger:  led,
		freeze:  freeze,
	}
}

func (e *env) openFunded(t *testing.T, orderID, total string) *escrow.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := e.escrows.Open(ctx, escrow.OpenRequest{
		OrderID: orderID, Buyer: "buyer_1", Seller: "farmer_9", Total: total,
		Milestones: []escrow.MilestoneSpec{{Name: "completion", Amount: total}},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := e.escrows.RecordHold(ctx, acct.ID, dec(total), "txn_fund"); err != nil {
		t.Fatalf("RecordHold failed: %v", err)
	}
	return acct
}

func TestSettle_ReleasesMilestone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acct := e.openFunded(t, "ord_s1", "500")

	settled, err := e.engine.Settle(ctx, acct.ID, "completion", "delivery note 7")
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if settled.Status != escrow.StatusReleased || !settled.TotalReleased.Equal(dec("500")) {
		t.Errorf("settled state: status=%s released=%s", settled.Status, settled.TotalReleased)
	}
}

func TestSettle_PassesThroughRequestErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acct := e.openFunded(t, "ord_s2", "500")

	if _, err := e.engine.Settle(ctx, "esc_missing", "completion", ""); !errors.Is(err, escrow.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.engine.Settle(ctx, acct.ID, "nope", ""); !errors.Is(err, escrow.ErrUnknownMilestone) {
		t.Errorf("expected ErrUnknownMilestone, got %v", err)
	}
	e.freeze.set(acct.ID, true)
	if _, err := e.engine.Settle(ctx, acct.ID, "completion", ""); !errors.Is(err, escrow.ErrEscrowFrozen) {
		t.Errorf("expected ErrEscrowFrozen, got %v", err)
	}
}

func TestReconcile_ReleasesStuckMilestone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acct := e.openFunded(t, "ord_r1", "600")

	// Confirmation lands but the payout is frozen mid-flight.
	e.freeze.set(acct.ID, true)
	if _, err := e.engine.Settle(ctx, acct.ID, "completion", ""); !errors.Is(err, escrow.ErrEscrowFrozen) {
		t.Fatalf("expected frozen settle, got %v", err)
	}

	e.freeze.set(acct.ID, false)
	report, err := e.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.RetriedMilestones != 1 {
		t.Errorf("RetriedMilestones = %d, want 1", report.RetriedMilestones)
	}

	fresh, _ := e.escrows.Get(ctx, acct.ID)
	if fresh.Status != escrow.StatusReleased || !fresh.TotalReleased.Equal(dec("600")) {
		t.Errorf("after reconcile: status=%s released=%s", fresh.Status, fresh.TotalReleased)
	}

	// A second pass finds nothing to do.
	report, _ = e.engine.Reconcile(ctx)
	if report.RetriedMilestones != 0 {
		t.Errorf("second pass retried %d milestones", report.RetriedMilestones)
	}
}

func TestReconcile_FlagsLedgerDrift(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acct := e.openFunded(t, "ord_r2", "300")

	// Corrupt the account behind the service's back: a release recorded
	// on the account that never reached the ledger.
	stored, err := e.store.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stored.TotalReleased = dec("100")
	if err := e.store.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	report, err := e.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Clean() {
		t.Fatal("drift not flagged")
	}
	found := false
	for _, m := range report.Mismatches {
		if m.EscrowID == acct.ID && m.Field == "total_released" {
			found = true
			if m.Account != "100" || m.Ledger != "0" {
				t.Errorf("mismatch values: account=%s ledger=%s", m.Account, m.Ledger)
			}
		}
	}
	if !found {
		t.Errorf("total_released mismatch missing: %+v", report.Mismatches)
	}

	// Drift is reported, never auto-corrected.
	fresh, _ := e.store.Get(ctx, acct.ID)
	if !fresh.TotalReleased.Equal(dec("100")) {
		t.Errorf("reconcile mutated the account: released=%s", fresh.TotalReleased)
	}
}

func TestReconcile_AutoReleasesExpiredEscrow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acct := e.openFunded(t, "ord_r3", "400")

	// Backdate the release window.
	stored, _ := e.store.Get(ctx, acct.ID)
	past := time.Now().UTC().Add(-time.Hour)
	stored.AutoReleaseAt = &past
	if err := e.store.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	report, err := e.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.AutoReleased != 1 {
		t.Errorf("AutoReleased = %d, want 1", report.AutoReleased)
	}

	fresh, _ := e.escrows.Get(ctx, acct.ID)
	if fresh.Status != escrow.StatusReleased || !fresh.TotalReleased.Equal(dec("400")) {
		t.Errorf("after auto-release: status=%s released=%s", fresh.Status, fresh.TotalReleased)
	}
}

func TestReconcile_DisputeSuspendsAutoRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acct := e.openFunded(t, "ord_r4", "400")

	stored, _ := e.store.Get(ctx, acct.ID)
	past := time.Now().UTC().Add(-time.Hour)
	stored.AutoReleaseAt = &past
	stored.Status = escrow.StatusDisputed
	if err := e.store.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	e.freeze.set(acct.ID, true)

	report, err := e.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.AutoReleased != 0 {
		t.Errorf("disputed escrow auto-released")
	}
	fresh, _ := e.escrows.Get(ctx, acct.ID)
	if !fresh.TotalReleased.IsZero() {
		t.Errorf("disputed escrow paid out: released=%s", fresh.TotalReleased)
	}
}

type fakeRetrier struct{ called int }

func (f *fakeRetrier) RetryUnprocessed(_ context.Context, _ int) int {
	f.called++
	return 3
}

func TestReconcile_ReplaysDeferredWebhooks(t *testing.T) {
	e := newEnv(t)
	retrier := &fakeRetrier{}
	e.engine.WithWebhookRetrier(retrier)

	report, err := e.engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if retrier.called != 1 || report.RetriedWebhooks != 3 {
		t.Errorf("webhook replay: called=%d reported=%d", retrier.called, report.RetriedWebhooks)
	}
}

func TestTimer_StartStop(t *testing.T) {
	e := newEnv(t)
	timer := NewTimer(e.engine, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer never started")
	}

	timer.Stop()
	deadline = time.Now().Add(time.Second)
	for timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if timer.Running() {
		t.Fatal("timer did not stop")
	}
}
