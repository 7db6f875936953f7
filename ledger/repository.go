package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bountyescrow/principal"
)

// Repository moves value between accounts inside a caller's transaction.
type Repository interface {
	// Credit adds amount to address, creating the account if needed, and
	// returns the new balance.
	Credit(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind Kind, amount uint64) (uint64, error)
	// Debit removes amount from address. It fails with ErrInsufficientFunds
	// and writes nothing when the balance does not cover amount.
	Debit(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind Kind, amount uint64) (uint64, error)
	// ReserveSupply serializes deposits for the rest of tx and fails with
	// ErrSupplyExceeded when amount does not fit under the supply cap.
	ReserveSupply(ctx context.Context, tx pgx.Tx, amount uint64) error
	Balance(ctx context.Context, address principal.Address) (uint64, error)
	Entries(ctx context.Context, address principal.Address) ([]Entry, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Credit(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind Kind, amount uint64) (uint64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	const q = `
INSERT INTO ledger_accounts (address, balance)
VALUES ($1, $2)
ON CONFLICT (address) DO UPDATE
SET balance = ledger_accounts.balance + EXCLUDED.balance,
    updated_at = now()
RETURNING balance
`
	var balance int64
	if err := tx.QueryRow(ctx, q, string(address), int64(amount)).Scan(&balance); err != nil {
		return 0, fmt.Errorf("ledger: credit %s: %w", address, err)
	}
	if err := r.appendEntry(ctx, tx, address, bountyID, kind, int64(amount)); err != nil {
		return 0, err
	}
	return uint64(balance), nil
}

// supplyLockKey is the advisory lock taken by every deposit.
const supplyLockKey int64 = 0x6c65646765720001

func (r *PGRepository) ReserveSupply(ctx context.Context, tx pgx.Tx, amount uint64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, supplyLockKey); err != nil {
		return fmt.Errorf("ledger: lock supply: %w", err)
	}
	// SUM over bigint is numeric, so the comparison itself cannot overflow.
	const q = `
SELECT COALESCE(SUM(delta), 0) + $1::bigint <= 9223372036854775807
FROM ledger_entries
WHERE kind = 'deposit'
`
	var fits bool
	if err := tx.QueryRow(ctx, q, int64(amount)).Scan(&fits); err != nil {
		return fmt.Errorf("ledger: read supply: %w", err)
	}
	if !fits {
		return ErrSupplyExceeded
	}
	return nil
}

func (r *PGRepository) Debit(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind Kind, amount uint64) (uint64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	const q = `
UPDATE ledger_accounts
SET balance = balance - $2,
    updated_at = now()
WHERE address = $1 AND balance >= $2
RETURNING balance
`
	var balance int64
	err := tx.QueryRow(ctx, q, string(address), int64(amount)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: debit %s: %w", address, err)
	}
	if err := r.appendEntry(ctx, tx, address, bountyID, kind, -int64(amount)); err != nil {
		return 0, err
	}
	return uint64(balance), nil
}

func (r *PGRepository) appendEntry(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind Kind, delta int64) error {
	const q = `
INSERT INTO ledger_entries (address, bounty_id, kind, delta)
VALUES ($1, $2, $3::ledger_entry_kind, $4)
`
	if _, err := tx.Exec(ctx, q, string(address), bountyID, string(kind), delta); err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}

func (r *PGRepository) Balance(ctx context.Context, address principal.Address) (uint64, error) {
	const q = `SELECT balance FROM ledger_accounts WHERE address = $1`
	var balance int64
	err := r.pool.QueryRow(ctx, q, string(address)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", address, err)
	}
	return uint64(balance), nil
}

func (r *PGRepository) Entries(ctx context.Context, address principal.Address) ([]Entry, error) {
	const q = `
SELECT id, address, bounty_id, kind::text, delta, created_at
FROM ledger_entries
WHERE address = $1
ORDER BY id
`
	rows, err := r.pool.Query(ctx, q, string(address))
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e    Entry
			addr string
			kind string
		)
		if err := rows.Scan(&e.ID, &addr, &e.BountyID, &kind, &e.Delta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Address = principal.Address(addr)
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}
