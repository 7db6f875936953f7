package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bountyescrow/principal"
)

var (
	// ErrPrincipalNotFound signals that no credentials exist for the address.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicatePrincipal signals that the address is already registered.
	ErrDuplicatePrincipal = errors.New("auth: principal already registered")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateCredential(ctx context.Context, address principal.Address, passwordHash string) (Credential, error)
	GetCredential(ctx context.Context, address principal.Address) (Credential, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateCredential(ctx context.Context, address principal.Address, passwordHash string) (Credential, error) {
	const insertSQL = `
		INSERT INTO principals (address, password_hash)
		VALUES ($1, $2)
		RETURNING address, password_hash, created_at, updated_at
	`

	cred, err := scanCredential(r.pool.QueryRow(ctx, insertSQL, string(address), passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Credential{}, ErrDuplicatePrincipal
		}
		return Credential{}, fmt.Errorf("auth: create credential: %w", err)
	}

	return cred, nil
}

func (r *PGRepository) GetCredential(ctx context.Context, address principal.Address) (Credential, error) {
	const selectSQL = `
		SELECT address, password_hash, created_at, updated_at
		FROM principals
		WHERE address = $1
	`

	cred, err := scanCredential(r.pool.QueryRow(ctx, selectSQL, string(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrPrincipalNotFound
		}
		return Credential{}, fmt.Errorf("auth: get credential: %w", err)
	}

	return cred, nil
}

func scanCredential(row pgx.Row) (Credential, error) {
	var (
		cred    Credential
		address string
	)
	if err := row.Scan(&address, &cred.PasswordHash, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
		return Credential{}, err
	}
	cred.Address = principal.Address(address)
	return cred, nil
}
