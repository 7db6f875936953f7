package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"bountyescrow/outbox"
	"bountyescrow/principal"
)

var (
	// ErrUnauthorized signals the caller does not hold Administrator.
	ErrUnauthorized = errors.New("access: caller is not an administrator")
	// ErrUnknownCapability signals a capability name outside the fixed set.
	ErrUnknownCapability = errors.New("access: unknown capability")
	// ErrInvalidAddress signals a zero principal.
	ErrInvalidAddress = errors.New("access: invalid principal address")
	// ErrLastAdministrator prevents revoking the only remaining administrator.
	ErrLastAdministrator = errors.New("access: cannot revoke the last administrator")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Registry answers "does principal P hold capability C?" and applies
// administrator-gated grants and revocations.
type Registry struct {
	pool   TxBeginner
	repo   Repository
	outbox OutboxWriter
	logger *slog.Logger
}

func NewRegistry(pool TxBeginner, repo Repository, outbox OutboxWriter) *Registry {
	return &Registry{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Bootstrap makes genesis the first administrator. It does nothing when an
// administrator already exists, so re-running a deployment is safe.
func (r *Registry) Bootstrap(ctx context.Context, genesis principal.Address) (bool, error) {
	if genesis.IsZero() {
		return false, ErrInvalidAddress
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("access: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	holders, err := r.repo.LockHolders(ctx, tx, Administrator)
	if err != nil {
		return false, err
	}
	if len(holders) > 0 {
		return false, nil
	}

	inserted, err := r.repo.Insert(ctx, tx, Grant{Principal: genesis, Capability: Administrator, GrantedBy: genesis})
	if err != nil {
		return false, err
	}
	if err := r.publish(ctx, tx, outbox.TopicAccessGranted, genesis, Administrator, genesis); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("access: commit bootstrap: %w", err)
	}

	r.logger.Info("genesis administrator set", "principal", genesis)
	return inserted, nil
}

// Grant gives p capability c. Granting a capability p already holds is a
// no-op reported as changed=false.
func (r *Registry) Grant(ctx context.Context, caller, p principal.Address, c Capability) (bool, error) {
	if !c.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	if p.IsZero() {
		return false, ErrInvalidAddress
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("access: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := r.authorize(ctx, tx, caller, c); err != nil {
		return false, err
	}

	inserted, err := r.repo.Insert(ctx, tx, Grant{Principal: p, Capability: c, GrantedBy: caller})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if err := r.publish(ctx, tx, outbox.TopicAccessGranted, p, c, caller); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("access: commit grant: %w", err)
	}

	r.logger.Info("capability granted", "principal", p, "capability", c, "by", caller)
	return true, nil
}

// Revoke removes capability c from p. Revoking a capability p does not hold
// is a no-op reported as changed=false.
func (r *Registry) Revoke(ctx context.Context, caller, p principal.Address, c Capability) (bool, error) {
	if !c.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	if p.IsZero() {
		return false, ErrInvalidAddress
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("access: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	holders, err := r.authorize(ctx, tx, caller, c)
	if err != nil {
		return false, err
	}
	if c == Administrator && len(holders) == 1 && holders[0] == p {
		return false, ErrLastAdministrator
	}

	deleted, err := r.repo.Delete(ctx, tx, p, c)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}
	if err := r.publish(ctx, tx, outbox.TopicAccessRevoked, p, c, caller); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("access: commit revoke: %w", err)
	}

	r.logger.Info("capability revoked", "principal", p, "capability", c, "by", caller)
	return true, nil
}

// HasCapability is a pure read.
func (r *Registry) HasCapability(ctx context.Context, p principal.Address, c Capability) (bool, error) {
	if !c.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	if p.IsZero() {
		return false, nil
	}
	return r.repo.Exists(ctx, p, c)
}

// HasCapabilityTx checks inside tx and holds a share lock on the grant, so a
// concurrent revoke waits for tx to finish.
func (r *Registry) HasCapabilityTx(ctx context.Context, tx pgx.Tx, p principal.Address, c Capability) (bool, error) {
	if !c.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	if p.IsZero() {
		return false, nil
	}
	return r.repo.ExistsForShare(ctx, tx, p, c)
}

// List returns the holders of c.
func (r *Registry) List(ctx context.Context, c Capability) ([]Grant, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	return r.repo.List(ctx, c)
}

// authorize requires caller to be an administrator. Changes to the
// administrator set take the holder lock first and read the caller from it,
// which keeps lock acquisition in one order across concurrent revokes.
func (r *Registry) authorize(ctx context.Context, tx pgx.Tx, caller principal.Address, c Capability) ([]principal.Address, error) {
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}
	if c == Administrator {
		holders, err := r.repo.LockHolders(ctx, tx, Administrator)
		if err != nil {
			return nil, err
		}
		for _, h := range holders {
			if h == caller {
				return holders, nil
			}
		}
		return nil, ErrUnauthorized
	}

	ok, err := r.repo.ExistsForShare(ctx, tx, caller, Administrator)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	return nil, nil
}

func (r *Registry) publish(ctx context.Context, tx pgx.Tx, topic string, p principal.Address, c Capability, by principal.Address) error {
	if r.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"principal":  p.String(),
		"capability": string(c),
		"by":         by.String(),
	}
	if err := r.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("access: enqueue outbox: %w", err)
	}
	return nil
}
