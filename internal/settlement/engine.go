// Package settlement drives fund movement after milestone confirmation
// and keeps escrow state honest against the ledger.
//
// The engine is the single authority that turns confirmed milestones
// into releases. It runs in two modes:
//   - synchronous: Settle confirms a milestone and releases its payout
//   - periodic: Reconcile retries stuck releases, auto-releases expired
//     escrows, replays deferred webhooks, and flags ledger drift
//
// Drift is only ever reported, never auto-corrected: a mismatch between
// an account and its ledger entries means a write was lost mid-flight
// and needs an operator.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/ledger"
	"github.com/agriconnect/settlement/internal/metrics"
	"github.com/agriconnect/settlement/internal/traces"
)

// ErrSettlementFailed wraps release failures so callers can distinguish
// a settlement that must be retried from a request that was invalid.
var ErrSettlementFailed = errors.New("settlement: release failed, queued for retry")

// TotalsReader sums ledger entries per account. Satisfied by *ledger.Ledger.
type TotalsReader interface {
	Totals(ctx context.Context, accountID string) (ledger.Totals, error)
}

// WebhookRetrier replays deferred webhook receipts. Satisfied by
// *gateway.Adapter.
type WebhookRetrier interface {
	RetryUnprocessed(ctx context.Context, limit int) int
}

// Mismatch is one field where an account diverges from its ledger.
type Mismatch struct {
	EscrowID string `json:"escrowId"`
	Field    string `json:"field"`
	Account  string `json:"account"`
	Ledger   string `json:"ledger"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Accounts          int        `json:"accounts"`
	Mismatches        []Mismatch `json:"mismatches"`
	RetriedMilestones int        `json:"retriedMilestones"`
	AutoReleased      int        `json:"autoReleased"`
	RetriedWebhooks   int        `json:"retriedWebhooks"`
	RanAt             time.Time  `json:"ranAt"`
}

// Clean reports whether the pass found no drift.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0
}

// Engine settles milestones and reconciles escrow state.
type Engine struct {
	escrows   *escrow.Service
	ledger    TotalsReader
	webhooks  WebhookRetrier
	logger    *slog.Logger
	scanLimit int
}

// NewEngine creates a settlement engine.
func NewEngine(escrows *escrow.Service, totals TotalsReader) *Engine {
	return &Engine{
		escrows:   escrows,
		ledger:    totals,
		logger:    slog.Default(),
		scanLimit: 500,
	}
}

// WithWebhookRetrier wires deferred webhook replay into reconcile passes.
func (e *Engine) WithWebhookRetrier(w WebhookRetrier) *Engine {
	e.webhooks = w
	return e
}

// WithLogger sets a structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Settle confirms a milestone and releases its payout. A failed release
// comes back as ErrSettlementFailed with the confirmation already
// durable; the periodic pass retries the release.
func (e *Engine) Settle(ctx context.Context, escrowID, milestone, evidence string) (*escrow.Account, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		attribute.String("escrow.id", escrowID),
		attribute.String("escrow.milestone", milestone))
	defer span.End()

	acct, err := e.escrows.SettleMilestone(ctx, escrowID, milestone, evidence)
	if err == nil {
		metrics.ReleasesTotal.WithLabelValues("milestone").Inc()
		return acct, nil
	}

	// Request-shaped errors pass through untouched; only a confirmed
	// milestone whose payout failed gets the retry wrapper.
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrUnknownMilestone),
		errors.Is(err, escrow.ErrAlreadyClosed),
		errors.Is(err, escrow.ErrEscrowFrozen),
		errors.Is(err, escrow.ErrInsufficientHeldFunds),
		errors.Is(err, escrow.ErrInvalidStatus):
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
}

// Reconcile runs one pass over all escrow accounts.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Reconcile")
	defer span.End()

	report := &Report{RanAt: time.Now().UTC()}

	accounts, err := e.escrows.List(ctx, e.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("settlement: listing accounts: %w", err)
	}
	report.Accounts = len(accounts)

	for _, acct := range accounts {
		e.checkDrift(ctx, acct, report)

		if acct.IsTerminal() {
			continue
		}
		e.retryStuckMilestones(ctx, acct, report)
		e.autoRelease(ctx, acct, report)
	}

	if e.webhooks != nil {
		report.RetriedWebhooks = e.webhooks.RetryUnprocessed(ctx, e.scanLimit)
	}

	metrics.ReconcileRunsTotal.Inc()
	if !report.Clean() {
		metrics.ReconcileMismatchesTotal.Add(float64(len(report.Mismatches)))
	}
	return report, nil
}

// checkDrift compares the account's running totals against its ledger.
func (e *Engine) checkDrift(ctx context.Context, acct *escrow.Account, report *Report) {
	totals, err := e.ledger.Totals(ctx, acct.ID)
	if err != nil {
		e.logger.Warn("ledger totals unavailable", "escrow_id", acct.ID, "error", err)
		return
	}

	pairs := []struct {
		field           string
		account, ledger decimal.Decimal
	}{
		{"total_held", acct.TotalHeld, totals.Held},
		{"total_released", acct.TotalReleased, totals.Released},
		{"total_refunded", acct.TotalRefunded, totals.Refunded},
	}
	for _, p := range pairs {
		if p.account.Equal(p.ledger) {
			continue
		}
		report.Mismatches = append(report.Mismatches, Mismatch{
			EscrowID: acct.ID,
			Field:    p.field,
			Account:  p.account.String(),
			Ledger:   p.ledger.String(),
		})
		e.logger.Error("CRITICAL: escrow account diverges from ledger",
			"escrow_id", acct.ID, "field", p.field,
			"account", p.account.String(), "ledger", p.ledger.String())
	}
}

func (e *Engine) retryStuckMilestones(ctx context.Context, acct *escrow.Account, report *Report) {
	for _, m := range acct.Milestones {
		if !m.Confirmed || m.Released {
			continue
		}
		if _, err := e.escrows.ReleaseConfirmedMilestone(ctx, acct.ID, m.Name); err != nil {
			e.logger.Warn("stuck milestone retry failed",
				"escrow_id", acct.ID, "milestone", m.Name, "error", err)
			continue
		}
		report.RetriedMilestones++
		metrics.ReleasesTotal.WithLabelValues("retry").Inc()
		e.logger.Info("released stuck milestone", "escrow_id", acct.ID, "milestone", m.Name)
	}
}

// autoRelease pays out the remainder of escrows whose release window
// expired without a buyer confirmation.
func (e *Engine) autoRelease(ctx context.Context, acct *escrow.Account, report *Report) {
	if acct.AutoReleaseAt == nil || acct.AutoReleaseAt.After(time.Now().UTC()) {
		return
	}
	if acct.Status == escrow.StatusDisputed {
		return // an open dispute suspends the clock
	}

	remaining := acct.Remaining()
	if remaining.Sign() <= 0 {
		return
	}

	if _, err := e.escrows.Release(ctx, acct.ID, remaining, "auto_release"); err != nil {
		e.logger.Warn("auto-release failed", "escrow_id", acct.ID, "error", err)
		return
	}
	report.AutoReleased++
	metrics.AutoReleasesTotal.Inc()
	metrics.ReleasesTotal.WithLabelValues("auto").Inc()
	e.logger.Info("auto-released expired escrow",
		"escrow_id", acct.ID, "amount", remaining.String())
}
