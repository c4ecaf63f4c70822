// Package gateway ingests payment callbacks from external transaction
// gateways (Paystack, Flutterwave, MTN MoMo, Stripe) and turns verified,
// deduplicated payment events into escrow funding.
//
// Flow:
//  1. Gateway POSTs a webhook → raw receipt persisted (unprocessed)
//  2. Signature verified against the per-gateway secret
//  3. Event parsed into a normalized PaymentEvent
//  4. Duplicate references return the existing transaction (idempotent)
//  5. Successful payments convert to the base currency and fund escrow
//
// Step 5 is fail-closed: when the exchange rate cannot be resolved the
// receipt stays unprocessed and the gateway retries delivery.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agriconnect/settlement/internal/config"
	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/fx"
	"github.com/agriconnect/settlement/internal/idgen"
	"github.com/agriconnect/settlement/internal/metrics"
	"github.com/agriconnect/settlement/internal/money"
	"github.com/agriconnect/settlement/internal/traces"
)

var (
	ErrUnknownGateway   = errors.New("gateway: unknown gateway")
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	ErrInvalidPayload   = errors.New("gateway: unparseable webhook payload")
	ErrTxNotFound       = errors.New("gateway: transaction not found")
)

// Status represents the state of a gateway transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusReversed Status = "reversed"
)

// Transaction is one payment observed through a gateway.
type Transaction struct {
	ID           string          `json:"id"`
	Gateway      string          `json:"gateway"`
	Reference    string          `json:"reference"` // gateway-assigned, unique per gateway
	OrderID      string          `json:"orderId"`
	Amount       decimal.Decimal `json:"amount"`   // as charged, in Currency
	Currency     string          `json:"currency"` // gateway currency
	BaseAmount   decimal.Decimal `json:"baseAmount"`
	BaseCurrency string          `json:"baseCurrency"`
	Fee          decimal.Decimal `json:"fee"` // platform fee, in BaseCurrency
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Receipt is the raw record of one webhook delivery. Deliveries are
// stored before processing so a crash or a rate outage never loses a
// payment event; the processed flag drives retries.
type Receipt struct {
	ID           string     `json:"id"`
	Gateway      string     `json:"gateway"`
	Reference    string     `json:"reference"`
	Payload      []byte     `json:"payload"`
	Processed    bool       `json:"processed"`
	ProcessError string     `json:"processError,omitempty"`
	ReceivedAt   time.Time  `json:"receivedAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// PaymentEvent is the gateway-neutral form of a webhook payload.
type PaymentEvent struct {
	Reference string
	OrderID   string
	Amount    decimal.Decimal
	Currency  string
	Status    Status
}

// TxStore persists gateway transactions.
type TxStore interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByReference(ctx context.Context, gatewayName, reference string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	List(ctx context.Context, limit int) ([]*Transaction, error)
}

// ReceiptStore persists raw webhook deliveries.
type ReceiptStore interface {
	Create(ctx context.Context, r *Receipt) error
	MarkProcessed(ctx context.Context, id string, processErr string) error
	ListUnprocessed(ctx context.Context, limit int) ([]*Receipt, error)
}

// EscrowFunder moves a verified payment into escrow. Satisfied by
// *escrow.Service.
type EscrowFunder interface {
	FundHold(ctx context.Context, orderID string, gross, fee decimal.Decimal, transactionID string) (*escrow.Account, error)
}

// Adapter verifies, normalizes, and applies gateway webhooks.
type Adapter struct {
	gateways map[string]config.Gateway
	txs      TxStore
	receipts ReceiptStore
	funder   EscrowFunder
	rates    fx.RateProvider
	baseCur  string
	logger   *slog.Logger
	refLocks sync.Map // per gateway:reference mutexes
}

// NewAdapter creates a gateway adapter funding escrows in baseCurrency.
func NewAdapter(gateways map[string]config.Gateway, txs TxStore, receipts ReceiptStore, funder EscrowFunder, rates fx.RateProvider, baseCurrency string) *Adapter {
	return &Adapter{
		gateways: gateways,
		txs:      txs,
		receipts: receipts,
		funder:   funder,
		rates:    rates,
		baseCur:  strings.ToUpper(baseCurrency),
		logger:   slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (a *Adapter) WithLogger(l *slog.Logger) *Adapter {
	a.logger = l
	return a
}

func (a *Adapter) refLock(gatewayName, reference string) *sync.Mutex {
	v, _ := a.refLocks.LoadOrStore(gatewayName+":"+reference, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Ingest handles one webhook delivery: verify, record, parse, apply.
// Returns the transaction the event maps to. A repeated delivery of a
// reference already applied returns the existing transaction and no error.
func (a *Adapter) Ingest(ctx context.Context, gatewayName, signature string, body []byte) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Ingest",
		attribute.String("gateway.name", gatewayName))
	defer span.End()

	cfg, ok := a.gateways[gatewayName]
	if !ok {
		metrics.WebhooksIngestedTotal.WithLabelValues(gatewayName, "unknown_gateway").Inc()
		return nil, ErrUnknownGateway
	}

	event, err := a.verifyAndParse(cfg, signature, body)
	if err != nil {
		outcome := "invalid_payload"
		if errors.Is(err, ErrInvalidSignature) {
			outcome = "invalid_signature"
		}
		metrics.WebhooksIngestedTotal.WithLabelValues(gatewayName, outcome).Inc()
		return nil, err
	}

	receipt := &Receipt{
		ID:         idgen.WithPrefix("rcp_"),
		Gateway:    gatewayName,
		Reference:  event.Reference,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}
	if err := a.receipts.Create(ctx, receipt); err != nil {
		return nil, fmt.Errorf("gateway: storing webhook receipt: %w", err)
	}

	tx, err := a.apply(ctx, cfg, event)
	if err != nil {
		// Receipt stays unprocessed; the reconciliation pass retries it.
		a.logger.Warn("webhook processing deferred",
			"gateway", gatewayName, "reference", event.Reference, "error", err)
		metrics.WebhooksIngestedTotal.WithLabelValues(gatewayName, "deferred").Inc()
		return nil, err
	}

	if err := a.receipts.MarkProcessed(ctx, receipt.ID, ""); err != nil {
		// Worst case the retry path re-applies the event; apply is idempotent.
		a.logger.Warn("marking receipt processed failed", "receipt_id", receipt.ID, "error", err)
	}
	metrics.WebhooksIngestedTotal.WithLabelValues(gatewayName, "ok").Inc()
	return tx, nil
}

func (a *Adapter) verifyAndParse(cfg config.Gateway, signature string, body []byte) (*PaymentEvent, error) {
	switch cfg.Algo {
	case config.AlgoStripe:
		ev, err := webhook.ConstructEvent(body, signature, cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return parseStripeEvent(ev)
	case config.AlgoHMACSHA512:
		if !verifyHMAC(sha512.New, cfg.Secret, body, signature) {
			return nil, ErrInvalidSignature
		}
	default:
		if !verifyHMAC(sha256.New, cfg.Secret, body, signature) {
			return nil, ErrInvalidSignature
		}
	}
	return parseEvent(cfg.Name, body)
}

// apply records the transaction and, for successful payments, funds the
// escrow. Serialized per reference; duplicates return the stored row.
func (a *Adapter) apply(ctx context.Context, cfg config.Gateway, event *PaymentEvent) (*Transaction, error) {
	mu := a.refLock(cfg.Name, event.Reference)
	mu.Lock()
	defer mu.Unlock()

	existing, err := a.txs.GetByReference(ctx, cfg.Name, event.Reference)
	if err != nil && !errors.Is(err, ErrTxNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Status == StatusSuccess && event.Status == StatusReversed {
			existing.Status = StatusReversed
			existing.UpdatedAt = time.Now().UTC()
			if err := a.txs.Update(ctx, existing); err != nil {
				return nil, err
			}
			a.logger.Warn("gateway reversed a settled transaction; flagged for reconciliation",
				"gateway", cfg.Name, "reference", event.Reference, "order_id", existing.OrderID)
			return existing, nil
		}
		metrics.WebhookDuplicatesTotal.WithLabelValues(cfg.Name).Inc()
		if existing.Status == StatusSuccess {
			// A prior delivery may have recorded the charge and then failed
			// to fund the escrow (not yet opened, store error). FundHold
			// dedupes on the transaction ID, so re-funding an already
			// funded transaction is a no-op and a stuck one completes here.
			if _, err := a.funder.FundHold(ctx, existing.OrderID, existing.BaseAmount, existing.Fee, existing.ID); err != nil {
				return nil, fmt.Errorf("gateway: funding escrow for order %s: %w", existing.OrderID, err)
			}
		}
		return existing, nil
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:           idgen.WithPrefix("txn_"),
		Gateway:      cfg.Name,
		Reference:    event.Reference,
		OrderID:      event.OrderID,
		Amount:       event.Amount,
		Currency:     strings.ToUpper(event.Currency),
		BaseCurrency: a.baseCur,
		Status:       event.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if event.Status != StatusSuccess {
		tx.BaseAmount = decimal.Zero
		tx.Fee = decimal.Zero
		if err := a.txs.Create(ctx, tx); err != nil {
			return nil, err
		}
		return tx, nil
	}

	// Fail-closed conversion: no rate, no funding, no transaction row.
	baseAmount, err := fx.Convert(ctx, a.rates, event.Amount, event.Currency, a.baseCur)
	if err != nil {
		return nil, err
	}
	tx.BaseAmount = baseAmount
	tx.Fee = Fee(cfg, baseAmount)

	if err := a.txs.Create(ctx, tx); err != nil {
		return nil, err
	}

	if _, err := a.funder.FundHold(ctx, event.OrderID, baseAmount, tx.Fee, tx.ID); err != nil {
		a.logger.Error("CRITICAL: transaction recorded but escrow funding failed",
			"transaction_id", tx.ID, "order_id", event.OrderID, "error", err)
		return nil, fmt.Errorf("gateway: funding escrow for order %s: %w", event.OrderID, err)
	}
	return tx, nil
}

// RetryUnprocessed re-applies webhook receipts whose processing failed
// (typically on a rate outage). Called by the reconciliation timer.
func (a *Adapter) RetryUnprocessed(ctx context.Context, limit int) int {
	receipts, err := a.receipts.ListUnprocessed(ctx, limit)
	if err != nil {
		a.logger.Error("listing unprocessed receipts failed", "error", err)
		return 0
	}

	retried := 0
	for _, r := range receipts {
		cfg, ok := a.gateways[r.Gateway]
		if !ok {
			continue
		}
		event, err := parseEvent(r.Gateway, r.Payload)
		if err != nil {
			// Unparseable receipts never succeed; park them with the error.
			_ = a.receipts.MarkProcessed(ctx, r.ID, err.Error())
			continue
		}
		if _, err := a.apply(ctx, cfg, event); err != nil {
			a.logger.Warn("receipt retry failed", "receipt_id", r.ID, "error", err)
			continue
		}
		if err := a.receipts.MarkProcessed(ctx, r.ID, ""); err != nil {
			a.logger.Warn("marking retried receipt processed failed", "receipt_id", r.ID, "error", err)
			continue
		}
		retried++
	}
	return retried
}

// GetByReference returns the transaction for a gateway reference.
func (a *Adapter) GetByReference(ctx context.Context, gatewayName, reference string) (*Transaction, error) {
	return a.txs.GetByReference(ctx, gatewayName, reference)
}

// List returns recent transactions.
func (a *Adapter) List(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.txs.List(ctx, limit)
}

// Fee computes the platform fee for a base-currency amount:
// round(amount * percent/100 + fixed), never exceeding the amount.
func Fee(cfg config.Gateway, amount decimal.Decimal) decimal.Decimal {
	fee := money.Round(amount.Mul(cfg.FeePercent).Div(decimal.NewFromInt(100)).Add(cfg.FeeFixed))
	if fee.GreaterThan(amount) {
		return amount
	}
	if fee.Sign() < 0 {
		return decimal.Zero
	}
	return fee
}

func verifyHMAC(h func() hash.Hash, secret string, body []byte, signature string) bool {
	sig, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}

// Sign computes the hex HMAC signature a gateway would attach to body.
// Exported for tests and the sandbox replay tool.
func Sign(algo config.SignatureAlgo, secret string, body []byte) string {
	var mac hash.Hash
	if algo == config.AlgoHMACSHA512 {
		mac = hmac.New(sha512.New, []byte(secret))
	} else {
		mac = hmac.New(sha256.New, []byte(secret))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// --- payload parsing ---

type paystackPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Amount    decimal.Decimal `json:"amount"` // minor units (kobo/pesewas)
		Currency  string          `json:"currency"`
		Status    string          `json:"status"`
		Metadata  struct {
			OrderID string `json:"order_id"`
		} `json:"metadata"`
	} `json:"data"`
}

type flutterwavePayload struct {
	Event string `json:"event"`
	Data  struct {
		TxRef    string          `json:"tx_ref"`
		Amount   decimal.Decimal `json:"amount"` // major units
		Currency string          `json:"currency"`
		Status   string          `json:"status"`
		Meta     struct {
			OrderID string `json:"order_id"`
		} `json:"meta"`
	} `json:"data"`
}

type momoPayload struct {
	ReferenceID string          `json:"referenceId"`
	ExternalID  string          `json:"externalId"` // carries the order ID
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"` // SUCCESSFUL | FAILED
}

func parseEvent(gatewayName string, body []byte) (*PaymentEvent, error) {
	switch gatewayName {
	case "paystack":
		return parsePaystack(body)
	case "flutterwave":
		return parseFlutterwave(body)
	default:
		return parseMomo(body)
	}
}

func parsePaystack(body []byte) (*PaymentEvent, error) {
	var p paystackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Data.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrInvalidPayload)
	}

	status := StatusFailed
	switch p.Event {
	case "charge.success":
		status = StatusSuccess
	case "refund.processed", "transfer.reversed":
		status = StatusReversed
	}

	// Paystack amounts arrive in minor units.
	return &PaymentEvent{
		Reference: p.Data.Reference,
		OrderID:   p.Data.Metadata.OrderID,
		Amount:    money.Round(p.Data.Amount.Div(decimal.NewFromInt(100))),
		Currency:  p.Data.Currency,
		Status:    status,
	}, nil
}

func parseFlutterwave(body []byte) (*PaymentEvent, error) {
	var p flutterwavePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Data.TxRef == "" {
		return nil, fmt.Errorf("%w: missing tx_ref", ErrInvalidPayload)
	}

	status := StatusFailed
	if p.Event == "charge.completed" && strings.EqualFold(p.Data.Status, "successful") {
		status = StatusSuccess
	}
	return &PaymentEvent{
		Reference: p.Data.TxRef,
		OrderID:   p.Data.Meta.OrderID,
		Amount:    money.Round(p.Data.Amount),
		Currency:  p.Data.Currency,
		Status:    status,
	}, nil
}

func parseMomo(body []byte) (*PaymentEvent, error) {
	var p momoPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ReferenceID == "" {
		return nil, fmt.Errorf("%w: missing referenceId", ErrInvalidPayload)
	}

	status := StatusFailed
	if strings.EqualFold(p.Status, "SUCCESSFUL") {
		status = StatusSuccess
	}
	return &PaymentEvent{
		Reference: p.ReferenceID,
		OrderID:   p.ExternalID,
		Amount:    money.Round(p.Amount),
		Currency:  p.Currency,
		Status:    status,
	}, nil
}

func parseStripeEvent(ev stripe.Event) (*PaymentEvent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: missing payment intent id", ErrInvalidPayload)
	}

	status := StatusFailed
	switch ev.Type {
	case "payment_intent.succeeded":
		status = StatusSuccess
	case "charge.refunded":
		status = StatusReversed
	}

	// Stripe amounts arrive in minor units.
	return &PaymentEvent{
		Reference: intent.ID,
		OrderID:   intent.Metadata["order_id"],
		Amount:    money.Round(decimal.NewFromInt(intent.Amount).Div(decimal.NewFromInt(100))),
		Currency:  strings.ToUpper(string(intent.Currency)),
		Status:    status,
	}, nil
}
