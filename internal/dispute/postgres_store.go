package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table if it doesn't exist. The partial
// unique index enforces at most one open dispute per escrow account.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id          VARCHAR(64) PRIMARY KEY,
			escrow_id   VARCHAR(64) NOT NULL,
			opened_by   VARCHAR(64) NOT NULL,
			reason      TEXT NOT NULL,
			status      VARCHAR(20) NOT NULL DEFAULT 'open',
			split_ratio NUMERIC(5,4),
			opened_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_disputes_escrow ON disputes(escrow_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_one_open
			ON disputes(escrow_id) WHERE status = 'open';
	`)
	if err != nil {
		return fmt.Errorf("creating disputes table: %w", err)
	}
	return nil
}

const disputeColumns = `id, escrow_id, opened_by, reason, status, split_ratio, opened_at, resolved_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	var ratio sql.NullString
	if d.SplitRatio != nil {
		ratio = sql.NullString{String: d.SplitRatio.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.EscrowID, d.OpenedBy, d.Reason, string(d.Status), ratio, d.OpenedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("inserting dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1
	`, id)
	return scanDispute(row)
}

func (s *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status = 'open'
	`, escrowID)
	return scanDispute(row)
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	var ratio sql.NullString
	if d.SplitRatio != nil {
		ratio = sql.NullString{String: d.SplitRatio.String(), Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1, split_ratio = $2, resolved_at = $3
		WHERE id = $4
	`, string(d.Status), ratio, d.ResolvedAt, d.ID)
	if err != nil {
		return fmt.Errorf("updating dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1
		ORDER BY opened_at ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("listing disputes: %w", err)
	}
	return scanDisputes(rows)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		ORDER BY opened_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing disputes: %w", err)
	}
	return scanDisputes(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var status string
	var ratio sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, &status, &ratio, &d.OpenedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dispute: %w", err)
	}
	d.Status = Status(status)
	if ratio.Valid {
		r, err := decimal.NewFromString(ratio.String)
		if err != nil {
			return nil, fmt.Errorf("parsing split ratio: %w", err)
		}
		d.SplitRatio = &r
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	defer func() { _ = rows.Close() }()
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
