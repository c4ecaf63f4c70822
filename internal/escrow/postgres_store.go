package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow accounts in PostgreSQL. Updates carry an
// optimistic version check (WHERE version = $n) so the at-most-one
// concurrent mutation guarantee holds across processes, not just behind
// the in-process account lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow table. Mirrors migrations/0001_settlement_core.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_accounts (
			id              VARCHAR(36) PRIMARY KEY,
			order_id        VARCHAR(64) NOT NULL UNIQUE,
			buyer           VARCHAR(64) NOT NULL,
			seller          VARCHAR(64) NOT NULL,
			currency        VARCHAR(3) NOT NULL,
			total_held      NUMERIC(15,2) NOT NULL DEFAULT 0,
			total_released  NUMERIC(15,2) NOT NULL DEFAULT 0,
			total_refunded  NUMERIC(15,2) NOT NULL DEFAULT 0,
			status          VARCHAR(20) NOT NULL DEFAULT 'open',
			milestones      JSONB NOT NULL DEFAULT '[]',
			auto_release_at TIMESTAMPTZ,
			version         BIGINT NOT NULL DEFAULT 1,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_released_within_held CHECK (total_released <= total_held)
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_accounts(status);
	`)
	return err
}

const accountColumns = `id, order_id, buyer, seller, currency, total_held, total_released,
		       total_refunded, status, milestones, auto_release_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	milestonesJSON, err := json.Marshal(a.Milestones)
	if err != nil {
		return err
	}
	a.Version = 1
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(15,2), $7::NUMERIC(15,2), $8::NUMERIC(15,2), $9, $10, $11, $12, $13, $14)`,
		a.ID, a.OrderID, a.Buyer, a.Seller, a.Currency,
		a.TotalHeld.String(), a.TotalReleased.String(), a.TotalRefunded.String(),
		string(a.Status), milestonesJSON, nullTime(a.AutoReleaseAt), a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE order_id = $1`, orderID)
	return scanAccount(row)
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	milestonesJSON, err := json.Marshal(a.Milestones)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			total_held = $1::NUMERIC(15,2), total_released = $2::NUMERIC(15,2),
			total_refunded = $3::NUMERIC(15,2), status = $4, milestones = $5,
			auto_release_at = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9`,
		a.TotalHeld.String(), a.TotalReleased.String(), a.TotalRefunded.String(),
		string(a.Status), milestonesJSON, nullTime(a.AutoReleaseAt), a.UpdatedAt,
		a.ID, a.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_accounts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	a.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		held, released, refunded string
		status                   string
		milestonesJSON           []byte
		autoReleaseAt            sql.NullTime
	)

	err := s.Scan(
		&a.ID, &a.OrderID, &a.Buyer, &a.Seller, &a.Currency,
		&held, &released, &refunded, &status, &milestonesJSON,
		&autoReleaseAt, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	if a.TotalHeld, err = decimal.NewFromString(held); err != nil {
		return nil, err
	}
	if a.TotalReleased, err = decimal.NewFromString(released); err != nil {
		return nil, err
	}
	if a.TotalRefunded, err = decimal.NewFromString(refunded); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(milestonesJSON, &a.Milestones); err != nil {
		return nil, err
	}
	if autoReleaseAt.Valid {
		a.AutoReleaseAt = &autoReleaseAt.Time
	}
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation reports a Postgres unique constraint error (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
