package ledger

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. The table is guarded by
// a trigger that raises on UPDATE or DELETE, so append-only holds at the
// schema level, not just here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger table and its append-only trigger. Mirrors
// migrations/0001_settlement_core.sql for fresh development databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(36) PRIMARY KEY,
			account_id      VARCHAR(36) NOT NULL,
			transaction_id  VARCHAR(36),
			kind            VARCHAR(20) NOT NULL CHECK (kind IN ('deposit','hold','release','refund','fee')),
			amount          NUMERIC(15,2) NOT NULL,
			balance_after   NUMERIC(15,2) NOT NULL,
			reference       VARCHAR(255),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_tx ON ledger_entries(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);

		CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger_entries is append-only';
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS trg_ledger_append_only ON ledger_entries;
		CREATE TRIGGER trg_ledger_append_only
			BEFORE UPDATE OR DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, transaction_id, kind, amount, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(15,2), $6::NUMERIC(15,2), $7, $8)`,
		e.ID, e.AccountID, nullString(e.TransactionID), string(e.Kind),
		e.Amount.String(), e.BalanceAfter.String(), nullString(e.Reference), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, transaction_id, kind, amount, balance_after, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			txID      sql.NullString
			reference sql.NullString
			kind      string
			amount    string
			balAfter  string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &txID, &kind, &amount, &balAfter, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TransactionID = txID.String
		e.Reference = reference.String
		e.Kind = Kind(kind)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(balAfter); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumByKind(ctx context.Context, accountID string) (map[Kind]decimal.Decimal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kind, COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1
		GROUP BY kind`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sums := make(map[Kind]decimal.Decimal)
	for rows.Next() {
		var kind, sum string
		if err := rows.Scan(&kind, &sum); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, err
		}
		sums[Kind(kind)] = d
	}
	return sums, rows.Err()
}

func (p *PostgresStore) HasTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE account_id = $1 AND transaction_id = $2
		)`, accountID, transactionID).Scan(&exists)
	return exists, err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
