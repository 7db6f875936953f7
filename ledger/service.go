package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"

	"bountyescrow/access"
	"bountyescrow/outbox"
	"bountyescrow/principal"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type CapabilityChecker interface {
	HasCapabilityTx(ctx context.Context, tx pgx.Tx, p principal.Address, c access.Capability) (bool, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service exposes treasury operations. Escrow movements go through the
// Repository directly from the bounty engine's transactions.
type Service struct {
	pool   TxBeginner
	repo   Repository
	access CapabilityChecker
	outbox OutboxWriter
	logger *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, checker CapabilityChecker, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		access: checker,
		outbox: outbox,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Deposit credits amount to the account of to. Only administrators may mint
// value into the system.
func (s *Service) Deposit(ctx context.Context, caller, to principal.Address, amount uint64) (uint64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	if to.IsZero() {
		return 0, ErrInvalidAddress
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := s.access.HasCapabilityTx(ctx, tx, caller, access.Administrator)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnauthorized
	}

	if err := s.repo.ReserveSupply(ctx, tx, amount); err != nil {
		return 0, err
	}
	balance, err := s.repo.Credit(ctx, tx, to, nil, KindDeposit, amount)
	if err != nil {
		return 0, err
	}
	if s.outbox != nil {
		payload := map[string]any{
			"address": to.String(),
			"amount":  strconv.FormatUint(amount, 10),
			"by":      caller.String(),
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicLedgerDeposit, payload); err != nil {
			return 0, fmt.Errorf("ledger: enqueue outbox: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger: commit deposit: %w", err)
	}

	s.logger.Info("deposit", "address", to, "amount", amount, "by", caller)
	return balance, nil
}

func (s *Service) Balance(ctx context.Context, address principal.Address) (uint64, error) {
	if address.IsZero() {
		return 0, ErrInvalidAddress
	}
	return s.repo.Balance(ctx, address)
}

func (s *Service) Entries(ctx context.Context, address principal.Address) ([]Entry, error) {
	if address.IsZero() {
		return nil, ErrInvalidAddress
	}
	return s.repo.Entries(ctx, address)
}
