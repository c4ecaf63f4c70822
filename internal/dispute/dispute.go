// Package dispute manages buyer/seller disputes over escrowed orders.
//
// An open dispute freezes every release on its escrow account; the
// escrow service asks HasOpenDispute before moving funds. Resolution
// pays out everything still held (to the buyer, the seller, or split by
// ratio), so a resolved dispute always leaves the account terminal.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/idgen"
	"github.com/agriconnect/settlement/internal/metrics"
	"github.com/agriconnect/settlement/internal/money"
)

var (
	ErrNotFound           = errors.New("dispute: not found")
	ErrAlreadyOpen        = errors.New("dispute: escrow already has an open dispute")
	ErrAlreadyResolved    = errors.New("dispute: already resolved")
	ErrEscrowTerminal     = errors.New("dispute: escrow already released or refunded")
	ErrInvalidSplitRatio  = errors.New("dispute: split ratio must be between 0 and 1 exclusive")
	ErrInvalidResolution  = errors.New("dispute: resolution must be buyer, seller, or split")
	ErrNothingToDistribute = errors.New("dispute: no funds remain to distribute")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen           Status = "open"
	StatusResolvedBuyer  Status = "resolved_buyer"
	StatusResolvedSeller Status = "resolved_seller"
	StatusResolvedSplit  Status = "resolved_split"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool {
	return s != StatusOpen
}

// Dispute is one contested escrow account.
type Dispute struct {
	ID         string           `json:"id"`
	EscrowID   string           `json:"escrowId"`
	OpenedBy   string           `json:"openedBy"` // buyer or seller party ID
	Reason     string           `json:"reason"`
	Status     Status           `json:"status"`
	SplitRatio *decimal.Decimal `json:"splitRatio,omitempty"` // seller share, set on split resolutions
	OpenedAt   time.Time        `json:"openedAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	List(ctx context.Context, limit int) ([]*Dispute, error)
}

// EscrowResolver is the slice of escrow operations dispute resolution
// needs. Satisfied by *escrow.Service.
type EscrowResolver interface {
	Get(ctx context.Context, id string) (*escrow.Account, error)
	Freeze(ctx context.Context, id string) (*escrow.Account, error)
	Release(ctx context.Context, id string, amount decimal.Decimal, reference string) (*escrow.Account, error)
	Refund(ctx context.Context, id string, amount decimal.Decimal, reason string) (*escrow.Account, error)
}

// Notifier receives dispute lifecycle events. Satisfied by
// *notify.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, eventType string, data map[string]any)
}

// Service implements dispute business logic. It also serves as the
// escrow service's FreezeChecker.
type Service struct {
	store    Store
	escrows  EscrowResolver
	notifier Notifier
	logger   *slog.Logger
	locks    sync.Map // per-escrow mutexes
}

// NewService creates a dispute service.
func NewService(store Store, escrows EscrowResolver) *Service {
	return &Service{
		store:   store,
		escrows: escrows,
		logger:  slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier sets the event dispatcher for dispute lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) notify(ctx context.Context, event string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, event, data)
	}
}

func (s *Service) escrowLock(escrowID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(escrowID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// HasOpenDispute reports whether the escrow account has an unresolved
// dispute. Read by the escrow service before every release.
func (s *Service) HasOpenDispute(ctx context.Context, escrowID string) (bool, error) {
	_, err := s.store.GetOpenByEscrow(ctx, escrowID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open raises a dispute on an escrow account and freezes it.
func (s *Service) Open(ctx context.Context, escrowID, openedBy, reason string) (*Dispute, error) {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if acct.IsTerminal() {
		return nil, ErrEscrowTerminal
	}
	if _, err := s.store.GetOpenByEscrow(ctx, escrowID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	d := &Dispute{
		ID:       idgen.WithPrefix("dsp_"),
		EscrowID: escrowID,
		OpenedBy: openedBy,
		Reason:   reason,
		Status:   StatusOpen,
		OpenedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if _, err := s.escrows.Freeze(ctx, escrowID); err != nil {
		s.logger.Error("dispute opened but escrow freeze failed",
			"dispute_id", d.ID, "escrow_id", escrowID, "error", err)
		// The dispute row alone freezes releases via HasOpenDispute;
		// the status label catches up on the next mutation.
	}

	metrics.DisputesTotal.WithLabelValues("open").Inc()
	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "escrow_id", escrowID, "opened_by", openedBy)
	s.notify(ctx, "dispute.opened", map[string]any{
		"disputeId": d.ID,
		"escrowId":  escrowID,
		"openedBy":  openedBy,
		"reason":    reason,
	})
	return d, nil
}

// Resolution describes how to settle a dispute.
type Resolution struct {
	Outcome    string           `json:"outcome" binding:"required"` // buyer | seller | split
	SplitRatio *decimal.Decimal `json:"splitRatio,omitempty"`       // seller share, required for split
	Note       string           `json:"note,omitempty"`
}

// Resolve closes a dispute and distributes everything still held.
// The dispute is marked resolved before funds move so the freeze lifts
// for the resolution payouts themselves.
func (s *Service) Resolve(ctx context.Context, disputeID string, res Resolution) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	mu := s.escrowLock(d.EscrowID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock.
	d, err = s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.Resolved() {
		return nil, ErrAlreadyResolved
	}

	var status Status
	var ratio decimal.Decimal
	switch res.Outcome {
	case "buyer":
		status = StatusResolvedBuyer
	case "seller":
		status = StatusResolvedSeller
	case "split":
		if res.SplitRatio == nil {
			return nil, ErrInvalidSplitRatio
		}
		ratio = *res.SplitRatio
		if ratio.Sign() <= 0 || ratio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, ErrInvalidSplitRatio
		}
		status = StatusResolvedSplit
	default:
		return nil, ErrInvalidResolution
	}

	acct, err := s.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	remaining := acct.Remaining()
	if remaining.Sign() <= 0 {
		return nil, ErrNothingToDistribute
	}

	now := time.Now().UTC()
	d.Status = status
	d.ResolvedAt = &now
	if status == StatusResolvedSplit {
		d.SplitRatio = &ratio
	}
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if err := s.distribute(ctx, d, remaining, ratio, res.Note); err != nil {
		// The dispute stays resolved; stuck funds surface in the
		// reconciliation report until an operator releases them.
		s.logger.Error("CRITICAL: dispute resolved but payout failed",
			"dispute_id", d.ID, "escrow_id", d.EscrowID, "error", err)
		return nil, fmt.Errorf("dispute: resolution payout: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "escrow_id", d.EscrowID, "outcome", res.Outcome)
	s.notify(ctx, "dispute.resolved", map[string]any{
		"disputeId": d.ID,
		"escrowId":  d.EscrowID,
		"outcome":   res.Outcome,
		"amount":    remaining.String(),
	})
	return d, nil
}

func (s *Service) distribute(ctx context.Context, d *Dispute, remaining, ratio decimal.Decimal, note string) error {
	ref := "dispute:" + d.ID
	if note != "" {
		ref += " " + note
	}

	switch d.Status {
	case StatusResolvedBuyer:
		_, err := s.escrows.Refund(ctx, d.EscrowID, remaining, ref)
		if err == nil {
			metrics.RefundsTotal.Inc()
		}
		return err
	case StatusResolvedSeller:
		_, err := s.escrows.Release(ctx, d.EscrowID, remaining, ref)
		if err == nil {
			metrics.ReleasesTotal.WithLabelValues("resolution").Inc()
		}
		return err
	case StatusResolvedSplit:
		sellerShare := money.Round(remaining.Mul(ratio))
		buyerShare := remaining.Sub(sellerShare)
		if sellerShare.Sign() > 0 {
			if _, err := s.escrows.Release(ctx, d.EscrowID, sellerShare, ref); err != nil {
				return err
			}
			metrics.ReleasesTotal.WithLabelValues("resolution").Inc()
		}
		if buyerShare.Sign() > 0 {
			if _, err := s.escrows.Refund(ctx, d.EscrowID, buyerShare, ref); err != nil {
				return err
			}
			metrics.RefundsTotal.Inc()
		}
		return nil
	}
	return ErrInvalidResolution
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns all disputes raised against an escrow account.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// List returns recent disputes.
func (s *Service) List(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}
