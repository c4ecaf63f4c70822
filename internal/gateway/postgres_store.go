package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresTxStore implements TxStore backed by PostgreSQL.
type PostgresTxStore struct {
	db *sql.DB
}

var _ TxStore = (*PostgresTxStore)(nil)

// NewPostgresTxStore creates a PostgreSQL-backed transaction store.
func NewPostgresTxStore(db *sql.DB) *PostgresTxStore {
	return &PostgresTxStore{db: db}
}

// Migrate creates the transactions table if it doesn't exist.
func (s *PostgresTxStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gateway_transactions (
			id            VARCHAR(64) PRIMARY KEY,
			gateway       VARCHAR(32) NOT NULL,
			reference     VARCHAR(255) NOT NULL,
			order_id      VARCHAR(64) NOT NULL,
			amount        NUMERIC(15,2) NOT NULL,
			currency      VARCHAR(3) NOT NULL,
			base_amount   NUMERIC(15,2) NOT NULL,
			base_currency VARCHAR(3) NOT NULL,
			fee           NUMERIC(15,2) NOT NULL DEFAULT 0,
			status        VARCHAR(16) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT gateway_transactions_ref_unique UNIQUE (gateway, reference)
		);
		CREATE INDEX IF NOT EXISTS idx_gateway_transactions_order
			ON gateway_transactions(order_id);
	`)
	if err != nil {
		return fmt.Errorf("creating gateway_transactions table: %w", err)
	}
	return nil
}

const txColumns = `id, gateway, reference, order_id, amount, currency, base_amount, base_currency, fee, status, created_at, updated_at`

func (s *PostgresTxStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tx.ID, tx.Gateway, tx.Reference, tx.OrderID, tx.Amount, tx.Currency,
		tx.BaseAmount, tx.BaseCurrency, tx.Fee, string(tx.Status), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (s *PostgresTxStore) GetByReference(ctx context.Context, gatewayName, reference string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		WHERE gateway = $1 AND reference = $2
	`, gatewayName, reference)
	return scanTx(row)
}

func (s *PostgresTxStore) Update(ctx context.Context, tx *Transaction) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gateway_transactions
		SET status = $1, base_amount = $2, fee = $3, updated_at = $4
		WHERE id = $5
	`, string(tx.Status), tx.BaseAmount, tx.Fee, tx.UpdatedAt, tx.ID)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

func (s *PostgresTxStore) List(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM gateway_transactions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTx(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var status string
	err := row.Scan(&tx.ID, &tx.Gateway, &tx.Reference, &tx.OrderID, &tx.Amount,
		&tx.Currency, &tx.BaseAmount, &tx.BaseCurrency, &tx.Fee, &status,
		&tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	tx.Status = Status(status)
	return tx, nil
}

// PostgresReceiptStore implements ReceiptStore backed by PostgreSQL.
type PostgresReceiptStore struct {
	db *sql.DB
}

var _ ReceiptStore = (*PostgresReceiptStore)(nil)

// NewPostgresReceiptStore creates a PostgreSQL-backed receipt store.
func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

// Migrate creates the webhook_receipts table if it doesn't exist.
func (s *PostgresReceiptStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_receipts (
			id            VARCHAR(64) PRIMARY KEY,
			gateway       VARCHAR(32) NOT NULL,
			reference     VARCHAR(255) NOT NULL,
			payload       BYTEA NOT NULL,
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			process_error TEXT,
			received_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_receipts_unprocessed
			ON webhook_receipts(received_at) WHERE NOT processed;
	`)
	if err != nil {
		return fmt.Errorf("creating webhook_receipts table: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Create(ctx context.Context, r *Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_receipts (id, gateway, reference, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.Gateway, r.Reference, r.Payload, r.Processed, r.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting webhook receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) MarkProcessed(ctx context.Context, id string, processErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_receipts
		SET processed = TRUE, process_error = NULLIF($1, ''), processed_at = $2
		WHERE id = $3
	`, processErr, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking webhook receipt processed: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) ListUnprocessed(ctx context.Context, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gateway, reference, payload, processed, COALESCE(process_error, ''), received_at, processed_at
		FROM webhook_receipts
		WHERE NOT processed
		ORDER BY received_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		r := &Receipt{}
		var processedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Gateway, &r.Reference, &r.Payload, &r.Processed,
			&r.ProcessError, &r.ReceivedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scanning webhook receipt: %w", err)
		}
		if processedAt.Valid {
			t := processedAt.Time
			r.ProcessedAt = &t
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
