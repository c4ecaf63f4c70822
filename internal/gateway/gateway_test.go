package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/agriconnect/settlement/internal/config"
	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/fx"
	"github.com/agriconnect/settlement/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const (
	paystackSecret = "sk_test_paystack"
	stripeSecret   = "whsec_test_stripe"
)

func testGateways() map[string]config.Gateway {
	return map[string]config.Gateway{
		"paystack": {
			Name:       "paystack",
			Secret:     paystackSecret,
			Algo:       config.AlgoHMACSHA512,
			FeePercent: dec("1.5"),
			FeeFixed:   dec("0.10"),
		},
		"mtn_momo": {
			Name:   "mtn_momo",
			Secret: "momo_secret",
			Algo:   config.AlgoHMACSHA256,
		},
		"stripe": {
			Name:   "stripe",
			Secret: stripeSecret,
			Algo:   config.AlgoStripe,
		},
	}
}

type testEnv struct {
	adapter *Adapter
	escrows *escrow.Service
	rates   *fx.StaticProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	escrows := escrow.NewService(escrow.NewMemoryStore(), led, "GHS")
	rates := fx.NewStaticProvider()
	rates.SetRate("NGN", "GHS", dec("0.01"))
	rates.SetRate("USD", "GHS", dec("12"))
	adapter := NewAdapter(testGateways(), NewMemoryTxStore(), NewMemoryReceiptStore(), escrows, rates, "GHS")
	return &testEnv{adapter: adapter, escrows: escrows, rates: rates}
}

func openEscrow(t *testing.T, env *testEnv, orderID, total string) *escrow.Account {
	t.Helper()
	acct, err := env.escrows.Open(context.Background(), escrow.OpenRequest{
		OrderID: orderID, Buyer: "buyer_1", Seller: "farmer_9", Total: total,
		Milestones: []escrow.MilestoneSpec{{Name: "completion", Amount: total}},
	})
	if err != nil {
		t.Fatalf("Open escrow failed: %v", err)
	}
	return acct
}

// paystack sends minor units: 100000 kobo = NGN 1000 = GHS 10 at 0.01.
func paystackBody(reference, orderID string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "charge.success",
		"data": {
			"reference": %q,
			"amount": 100000,
			"currency": "NGN",
			"status": "success",
			"metadata": {"order_id": %q}
		}
	}`, reference, orderID))
}

func TestIngest_PaystackFundsEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := openEscrow(t, env, "ord_ps_1", "10")

	body := paystackBody("ps_ref_1", "ord_ps_1")
	sig := Sign(config.AlgoHMACSHA512, paystackSecret, body)

	tx, err := env.adapter.Ingest(ctx, "paystack", sig, body)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if tx.Status != StatusSuccess {
		t.Errorf("status = %s, want success", tx.Status)
	}
	if !tx.Amount.Equal(dec("1000")) || tx.Currency != "NGN" {
		t.Errorf("amount = %s %s, want 1000 NGN", tx.Amount, tx.Currency)
	}
	if !tx.BaseAmount.Equal(dec("10")) || tx.BaseCurrency != "GHS" {
		t.Errorf("base amount = %s %s, want 10 GHS", tx.BaseAmount, tx.BaseCurrency)
	}
	// fee: 10 * 1.5% + 0.10 = 0.25
	if !tx.Fee.Equal(dec("0.25")) {
		t.Errorf("fee = %s, want 0.25", tx.Fee)
	}

	// The fee is platform revenue on the ledger; the full gross is held
	// so milestones summing to the order total stay releasable.
	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.Equal(dec("10")) {
		t.Errorf("escrow held = %s, want 10 (full gross)", fresh.TotalHeld)
	}
	entries, err := env.escrows.History(ctx, acct.ID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	var feeEntry bool
	for _, e := range entries {
		if e.Kind == ledger.KindFee && e.Amount.Abs().Equal(dec("0.25")) {
			feeEntry = true
		}
	}
	if !feeEntry {
		t.Error("expected a 0.25 fee ledger entry")
	}
}

func TestIngest_TamperedPayloadRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := openEscrow(t, env, "ord_tamper", "10")

	body := paystackBody("ps_ref_t", "ord_tamper")
	sig := Sign(config.AlgoHMACSHA512, paystackSecret, body)
	tampered := []byte(string(body[:len(body)-2]) + " }") // altered after signing

	if _, err := env.adapter.Ingest(ctx, "paystack", sig, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := env.adapter.Ingest(ctx, "paystack", "not-hex!", body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for garbage signature, got %v", err)
	}

	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.IsZero() {
		t.Errorf("escrow funded by unverified webhook: held=%s", fresh.TotalHeld)
	}
}

func TestIngest_UnknownGateway(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.adapter.Ingest(context.Background(), "cashapp", "", []byte("{}")); !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("expected ErrUnknownGateway, got %v", err)
	}
}

func TestIngest_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := openEscrow(t, env, "ord_dup", "10")

	body := paystackBody("ps_ref_dup", "ord_dup")
	sig := Sign(config.AlgoHMACSHA512, paystackSecret, body)

	first, err := env.adapter.Ingest(ctx, "paystack", sig, body)
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	second, err := env.adapter.Ingest(ctx, "paystack", sig, body)
	if err != nil {
		t.Fatalf("duplicate Ingest should succeed, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate created a new transaction: %s vs %s", second.ID, first.ID)
	}

	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.Equal(dec("10")) {
		t.Errorf("duplicate delivery double-funded: held=%s", fresh.TotalHeld)
	}
}

// A success webhook can arrive before the marketplace opens the escrow.
// The transaction row is recorded, the receipt stays unprocessed, and a
// later replay funds the escrow instead of silently dropping the payment.
func TestIngest_FundingFailureRecoversOnReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := paystackBody("ps_ref_early", "ord_early")
	sig := Sign(config.AlgoHMACSHA512, paystackSecret, body)

	if _, err := env.adapter.Ingest(ctx, "paystack", sig, body); err == nil {
		t.Fatal("expected deferred error when escrow is not open yet")
	}

	// First replay still has nowhere to put the money.
	if retried := env.adapter.RetryUnprocessed(ctx, 10); retried != 0 {
		t.Fatalf("RetryUnprocessed before escrow open = %d, want 0", retried)
	}

	acct := openEscrow(t, env, "ord_early", "10")

	if retried := env.adapter.RetryUnprocessed(ctx, 10); retried != 1 {
		t.Fatalf("RetryUnprocessed after escrow open = %d, want 1", retried)
	}
	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.Equal(dec("10")) {
		t.Errorf("escrow held after replay = %s, want 10", fresh.TotalHeld)
	}

	// The replayed receipt is done; nothing retries forever.
	if retried := env.adapter.RetryUnprocessed(ctx, 10); retried != 0 {
		t.Errorf("second replay = %d, want 0", retried)
	}

	// And a late duplicate delivery from the gateway does not double-fund.
	if _, err := env.adapter.Ingest(ctx, "paystack", sig, body); err != nil {
		t.Fatalf("late duplicate Ingest failed: %v", err)
	}
	fresh, _ = env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.Equal(dec("10")) {
		t.Errorf("late duplicate double-funded: held=%s", fresh.TotalHeld)
	}
}

func TestIngest_RateUnavailableDefersAndRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := openEscrow(t, env, "ord_rate", "10")

	// KES has no configured rate.
	body := []byte(`{"referenceId": "momo_ref_1", "externalId": "ord_rate", "amount": "1000", "currency": "KES", "status": "SUCCESSFUL"}`)
	sig := Sign(config.AlgoHMACSHA256, "momo_secret", body)

	if _, err := env.adapter.Ingest(ctx, "mtn_momo", sig, body); !errors.Is(err, fx.ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}

	// no transaction, no funding
	if _, err := env.adapter.GetByReference(ctx, "mtn_momo", "momo_ref_1"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("transaction recorded despite missing rate: %v", err)
	}
	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.IsZero() {
		t.Fatalf("escrow funded despite missing rate: held=%s", fresh.TotalHeld)
	}

	// rate comes back; the stored receipt replays
	env.rates.SetRate("KES", "GHS", dec("0.01"))
	if retried := env.adapter.RetryUnprocessed(ctx, 10); retried != 1 {
		t.Fatalf("RetryUnprocessed = %d, want 1", retried)
	}
	tx, err := env.adapter.GetByReference(ctx, "mtn_momo", "momo_ref_1")
	if err != nil || tx.Status != StatusSuccess {
		t.Fatalf("retried transaction: %+v, %v", tx, err)
	}
	fresh, _ = env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.Equal(dec("10")) {
		t.Errorf("escrow held after retry = %s, want 10", fresh.TotalHeld)
	}

	// nothing left to retry
	if retried := env.adapter.RetryUnprocessed(ctx, 10); retried != 0 {
		t.Errorf("second RetryUnprocessed = %d, want 0", retried)
	}
}

func TestIngest_FailedChargeRecordsWithoutFunding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := openEscrow(t, env, "ord_fail", "10")

	body := []byte(`{"referenceId": "momo_ref_f", "externalId": "ord_fail", "amount": "1000", "currency": "USD", "status": "FAILED"}`)
	sig := Sign(config.AlgoHMACSHA256, "momo_secret", body)

	tx, err := env.adapter.Ingest(ctx, "mtn_momo", sig, body)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if tx.Status != StatusFailed {
		t.Errorf("status = %s, want failed", tx.Status)
	}

	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.IsZero() {
		t.Errorf("failed charge funded escrow: held=%s", fresh.TotalHeld)
	}
}

func TestIngest_StripeSignedEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := openEscrow(t, env, "ord_stripe", "120")

	// 10000 cents = USD 100 = GHS 1200 at 12... escrow total is 120,
	// so fund with USD 10 (1000 cents) = GHS 120.
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"api_version": %q,
		"type": "payment_intent.succeeded",
		"data": {
			"object": {
				"id": "pi_test_1",
				"amount": 1000,
				"currency": "usd",
				"metadata": {"order_id": "ord_stripe"}
			}
		}
	}`, stripe.APIVersion))

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})

	tx, err := env.adapter.Ingest(ctx, "stripe", signed.Header, signed.Payload)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if tx.Reference != "pi_test_1" || !tx.Amount.Equal(dec("10")) || tx.Currency != "USD" {
		t.Errorf("transaction: %+v", tx)
	}
	if !tx.BaseAmount.Equal(dec("120")) {
		t.Errorf("base amount = %s, want 120", tx.BaseAmount)
	}

	fresh, _ := env.escrows.Get(ctx, acct.ID)
	if !fresh.TotalHeld.Equal(dec("120")) {
		t.Errorf("escrow held = %s, want 120", fresh.TotalHeld)
	}

	// wrong secret rejected
	bad := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_wrong",
		Timestamp: time.Now(),
	})
	if _, err := env.adapter.Ingest(ctx, "stripe", bad.Header, bad.Payload); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}
}

func TestFee(t *testing.T) {
	cfg := config.Gateway{FeePercent: dec("1.5"), FeeFixed: dec("0.10")}

	if got := Fee(cfg, dec("100")); !got.Equal(dec("1.60")) {
		t.Errorf("Fee(100) = %s, want 1.60", got)
	}
	// fee never exceeds the amount
	if got := Fee(cfg, dec("0.05")); !got.Equal(dec("0.05")) {
		t.Errorf("Fee(0.05) = %s, want 0.05", got)
	}
	// zero-fee gateway
	if got := Fee(config.Gateway{}, dec("100")); !got.IsZero() {
		t.Errorf("Fee with zero schedule = %s, want 0", got)
	}
}
