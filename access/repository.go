package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bountyescrow/principal"
)

// Repository handles data access for capability grants.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, grant Grant) (bool, error)
	Delete(ctx context.Context, tx pgx.Tx, p principal.Address, c Capability) (bool, error)
	// ExistsForShare reports whether the grant exists and, if so, share-locks
	// it until tx ends.
	ExistsForShare(ctx context.Context, tx pgx.Tx, p principal.Address, c Capability) (bool, error)
	// LockHolders serializes changes to the holder set of c and returns it.
	LockHolders(ctx context.Context, tx pgx.Tx, c Capability) ([]principal.Address, error)
	Exists(ctx context.Context, p principal.Address, c Capability) (bool, error)
	List(ctx context.Context, c Capability) ([]Grant, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, grant Grant) (bool, error) {
	const q = `
INSERT INTO access_grants (principal, capability, granted_by)
VALUES ($1, $2::access_capability, $3)
ON CONFLICT (principal, capability) DO NOTHING
`
	tag, err := tx.Exec(ctx, q, string(grant.Principal), string(grant.Capability), string(grant.GrantedBy))
	if err != nil {
		return false, fmt.Errorf("access: insert grant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, p principal.Address, c Capability) (bool, error) {
	const q = `DELETE FROM access_grants WHERE principal = $1 AND capability = $2::access_capability`
	tag, err := tx.Exec(ctx, q, string(p), string(c))
	if err != nil {
		return false, fmt.Errorf("access: delete grant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ExistsForShare(ctx context.Context, tx pgx.Tx, p principal.Address, c Capability) (bool, error) {
	const q = `
SELECT 1 FROM access_grants
WHERE principal = $1 AND capability = $2::access_capability
FOR SHARE
`
	var one int
	if err := tx.QueryRow(ctx, q, string(p), string(c)).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("access: check grant: %w", err)
	}
	return true, nil
}

func (r *PGRepository) LockHolders(ctx context.Context, tx pgx.Tx, c Capability) ([]principal.Address, error) {
	// Row locks alone cannot stop two bootstraps racing on an empty set.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('access_grants:' || $1::text))`, string(c)); err != nil {
		return nil, fmt.Errorf("access: lock holders: %w", err)
	}
	rows, err := tx.Query(ctx, `
SELECT principal FROM access_grants
WHERE capability = $1::access_capability
ORDER BY principal
FOR UPDATE
`, string(c))
	if err != nil {
		return nil, fmt.Errorf("access: load holders: %w", err)
	}
	defer rows.Close()

	holders := []principal.Address{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("access: scan holder: %w", err)
		}
		holders = append(holders, principal.Address(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("access: iterate holders: %w", err)
	}
	return holders, nil
}

func (r *PGRepository) Exists(ctx context.Context, p principal.Address, c Capability) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM access_grants WHERE principal = $1 AND capability = $2::access_capability)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, string(p), string(c)).Scan(&ok); err != nil {
		return false, fmt.Errorf("access: has capability: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) List(ctx context.Context, c Capability) ([]Grant, error) {
	const q = `
SELECT principal, capability::text, granted_by, granted_at
FROM access_grants
WHERE capability = $1::access_capability
ORDER BY granted_at, principal
`
	rows, err := r.pool.Query(ctx, q, string(c))
	if err != nil {
		return nil, fmt.Errorf("access: list: %w", err)
	}
	defer rows.Close()

	out := make([]Grant, 0, 4)
	for rows.Next() {
		var g Grant
		var p, capability, grantedBy string
		if err := rows.Scan(&p, &capability, &grantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("access: scan grant: %w", err)
		}
		g.Principal = principal.Address(p)
		g.Capability = Capability(capability)
		g.GrantedBy = principal.Address(grantedBy)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("access: iterate grants: %w", err)
	}
	return out, nil
}
