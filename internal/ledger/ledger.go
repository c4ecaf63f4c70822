// Package ledger records money movement for escrow accounts.
//
// Entries are the audit truth for settlement:
//  1. Gateway callback confirmed → deposit (funds arrived on platform)
//  2. Funds enter escrow → hold
//  3. Milestone confirmed → release (escrow → seller payout)
//  4. Dispute resolved for buyer → refund (escrow → payer)
//  5. Gateway charges → fee
//
// Entries are append-only. There is no update or delete anywhere in this
// package, and the Postgres schema rejects UPDATE/DELETE with a trigger.
// Amounts are signed: money flowing into the escrow account is positive
// (deposit, hold), money flowing out is negative (release, refund, fee).
// BalanceAfter carries the held balance (hold - release - refund) after
// the entry is applied; deposit and fee entries leave it unchanged.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agriconnect/settlement/internal/idgen"
)

var (
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	ErrInvalidKind   = errors.New("ledger: invalid entry kind")
)

// Kind is the closed set of ledger entry types.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindHold    Kind = "hold"
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
	KindFee     Kind = "fee"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindHold, KindRelease, KindRefund, KindFee:
		return true
	}
	return false
}

// Entry is an immutable record of a single money movement.
type Entry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	TransactionID string          `json:"transactionId,omitempty"` // empty for internal moves
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"` // signed
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Reference     string          `json:"reference,omitempty"` // milestone name, dispute ID, payout ref
	CreatedAt     time.Time       `json:"createdAt"`
}

// Totals is the per-account roll-up of ledger entries.
type Totals struct {
	Deposited decimal.Decimal `json:"deposited"`
	Held      decimal.Decimal `json:"held"`
	Released  decimal.Decimal `json:"released"`
	Refunded  decimal.Decimal `json:"refunded"`
	Fees      decimal.Decimal `json:"fees"`
}

// HeldBalance returns funds still sitting in escrow.
func (t Totals) HeldBalance() decimal.Decimal {
	return t.Held.Sub(t.Released).Sub(t.Refunded)
}

// Store persists ledger entries. Deliberately append-only: no update or
// delete methods exist.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	SumByKind(ctx context.Context, accountID string) (map[Kind]decimal.Decimal, error)
	HasTransaction(ctx context.Context, accountID, transactionID string) (bool, error)
}

// Ledger validates and appends entries. Callers serialize mutations per
// account (the escrow service holds the account lock while recording).
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// heldDelta returns the entry's effect on the held balance.
func heldDelta(kind Kind, amount decimal.Decimal) decimal.Decimal {
	switch kind {
	case KindHold:
		return amount
	case KindRelease, KindRefund:
		return amount.Neg()
	default: // deposit, fee track platform flow, not held funds
		return decimal.Zero
	}
}

// signed returns the stored signed amount for kind.
func signed(kind Kind, amount decimal.Decimal) decimal.Decimal {
	switch kind {
	case KindDeposit, KindHold:
		return amount
	default: // release, refund, fee flow out
		return amount.Neg()
	}
}

// Record validates and appends an entry. amount is the positive magnitude;
// the sign is derived from kind.
func (l *Ledger) Record(ctx context.Context, accountID, transactionID string, kind Kind, amount decimal.Decimal, reference string) (*Entry, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	totals, err := l.Totals(ctx, accountID)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:            idgen.WithPrefix("led_"),
		AccountID:     accountID,
		TransactionID: transactionID,
		Kind:          kind,
		Amount:        signed(kind, amount),
		BalanceAfter:  totals.HeldBalance().Add(heldDelta(kind, amount)),
		Reference:     reference,
		CreatedAt:     time.Now().UTC(),
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Totals returns the per-kind sums for an account as positive magnitudes.
func (l *Ledger) Totals(ctx context.Context, accountID string) (Totals, error) {
	sums, err := l.store.SumByKind(ctx, accountID)
	if err != nil {
		return Totals{}, err
	}
	return Totals{
		Deposited: sums[KindDeposit],
		Held:      sums[KindHold],
		Released:  sums[KindRelease].Neg(),
		Refunded:  sums[KindRefund].Neg(),
		Fees:      sums[KindFee].Neg(),
	}, nil
}

// HasTransaction reports whether the account already carries an entry
// for the gateway transaction. The escrow service uses it to make
// funding idempotent across webhook re-deliveries and receipt replays.
func (l *Ledger) HasTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	if transactionID == "" {
		return false, nil
	}
	return l.store.HasTransaction(ctx, accountID, transactionID)
}

// History returns the most recent entries for an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByAccount(ctx, accountID, limit)
}
