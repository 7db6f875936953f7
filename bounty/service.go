package bounty

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"

	"github.com/jackc/pgx/v5"

	"bountyescrow/access"
	"bountyescrow/ledger"
	"bountyescrow/outbox"
	"bountyescrow/principal"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the part of ledger.Repository the engine needs.
type Ledger interface {
	Credit(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind ledger.Kind, amount uint64) (uint64, error)
	Debit(ctx context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind ledger.Kind, amount uint64) (uint64, error)
}

type CapabilityChecker interface {
	HasCapabilityTx(ctx context.Context, tx pgx.Tx, p principal.Address, c access.Capability) (bool, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Notifier receives the events of a transition after it has committed. It
// runs on the caller's goroutine and may call back into the Service.
type Notifier interface {
	Notify(ctx context.Context, b Bounty, events []Event)
}

type NotifierFunc func(ctx context.Context, b Bounty, events []Event)

func (f NotifierFunc) Notify(ctx context.Context, b Bounty, events []Event) {
	f(ctx, b, events)
}

var eventTopics = map[EventType]string{
	EventCreated:      outbox.TopicBountyCreated,
	EventFixSubmitted: outbox.TopicBountyFixSubmitted,
	EventFixApproved:  outbox.TopicBountyFixApproved,
	EventPaid:         outbox.TopicBountyPaid,
	EventCancelled:    outbox.TopicBountyCancelled,
	EventRefunded:     outbox.TopicBountyRefunded,
}

// Service is the escrow engine. Every mutation runs in one transaction that
// locks the bounty row, so operations on one bounty are applied one at a
// time in lock acquisition order.
type Service struct {
	pool     TxBeginner
	repo     Repository
	ledger   Ledger
	access   CapabilityChecker
	outbox   OutboxWriter
	notifier Notifier
	logger   *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, ledger Ledger, checker CapabilityChecker, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		ledger: ledger,
		access: checker,
		outbox: outbox,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens a bounty funded from the sponsor's ledger balance.
func (s *Service) Create(ctx context.Context, params CreateParams) (Bounty, error) {
	if params.ID < 0 {
		return Bounty{}, ErrInvalidID
	}
	if params.Value == 0 {
		return Bounty{}, ErrZeroAmount
	}
	if params.Value > math.MaxInt64 {
		return Bounty{}, ledger.ErrAmountOutOfRange
	}
	if params.MetadataURI == "" {
		return Bounty{}, ErrEmptyMetadata
	}
	if params.Sponsor.IsZero() {
		return Bounty{}, ErrInvalidAddress
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bounty{}, fmt.Errorf("bounty: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Bounty{
		ID:          params.ID,
		Sponsor:     params.Sponsor,
		Amount:      params.Value,
		Escrowed:    params.Value,
		MetadataURI: params.MetadataURI,
		Description: params.Description,
		Status:      StatusOpen,
	})
	if err != nil {
		return Bounty{}, err
	}
	if _, err := s.ledger.Debit(ctx, tx, params.Sponsor, ledger.BountyRef(params.ID), ledger.KindEscrowLock, params.Value); err != nil {
		return Bounty{}, err
	}

	events, err := s.record(ctx, tx, created, Event{
		Type:  EventCreated,
		Actor: params.Sponsor,
		Payload: map[string]any{
			"sponsor":     params.Sponsor.String(),
			"amount":      formatAmount(params.Value),
			"metadataURI": params.MetadataURI,
		},
	})
	if err != nil {
		return Bounty{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Bounty{}, fmt.Errorf("bounty: commit create: %w", err)
	}

	s.logger.Info("bounty created", "id", created.ID, "sponsor", created.Sponsor, "amount", created.Amount)
	s.notify(ctx, created, events)
	return created, nil
}

// SubmitFix records hunter and submission uri on an open bounty. Any caller
// may submit on behalf of any hunter.
func (s *Service) SubmitFix(ctx context.Context, params SubmitParams) (Bounty, error) {
	return s.transition(ctx, params.ID, nil, func(b Bounty) (Bounty, *payout, []Event, error) {
		if err := actionSubmit.check(b.Status); err != nil {
			return Bounty{}, nil, nil, err
		}
		if params.Hunter.IsZero() {
			return Bounty{}, nil, nil, ErrInvalidAddress
		}
		if params.SubmissionURI == "" {
			return Bounty{}, nil, nil, ErrEmptySubmission
		}

		b.Hunter = params.Hunter
		b.SubmissionURI = params.SubmissionURI
		b.Status = StatusSubmitted
		return b, nil, []Event{{
			Type:  EventFixSubmitted,
			Actor: params.Caller,
			Payload: map[string]any{
				"hunter":        params.Hunter.String(),
				"submissionURI": params.SubmissionURI,
			},
		}}, nil
	})
}

// ApproveFix pays the escrow of a submitted bounty to its hunter. The caller
// must hold the curator capability.
func (s *Service) ApproveFix(ctx context.Context, id int64, caller principal.Address) (Bounty, error) {
	requireCurator := func(ctx context.Context, tx pgx.Tx) error {
		ok, err := s.access.HasCapabilityTx(ctx, tx, caller, access.Curator)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not a curator", ErrUnauthorized, caller)
		}
		return nil
	}

	return s.transition(ctx, id, requireCurator, func(b Bounty) (Bounty, *payout, []Event, error) {
		if err := actionApprove.check(b.Status); err != nil {
			return Bounty{}, nil, nil, err
		}

		amount := b.Escrowed
		b.Status = StatusPaid
		b.Escrowed = 0
		return b, &payout{to: b.Hunter, kind: ledger.KindPayout, amount: amount}, []Event{
			{
				Type:    EventFixApproved,
				Actor:   caller,
				Payload: map[string]any{"curator": caller.String()},
			},
			{
				Type:  EventPaid,
				Actor: caller,
				Payload: map[string]any{
					"hunter": b.Hunter.String(),
					"amount": formatAmount(amount),
				},
			},
		}, nil
	})
}

// Refund returns the escrow of an open or cancelled bounty to its sponsor.
func (s *Service) Refund(ctx context.Context, id int64, caller principal.Address) (Bounty, error) {
	return s.transition(ctx, id, nil, func(b Bounty) (Bounty, *payout, []Event, error) {
		if caller != b.Sponsor {
			return Bounty{}, nil, nil, fmt.Errorf("%w: only the sponsor may refund", ErrUnauthorized)
		}
		if err := actionRefund.check(b.Status); err != nil {
			return Bounty{}, nil, nil, err
		}

		amount := b.Escrowed
		b.Status = StatusRefunded
		b.Escrowed = 0
		return b, &payout{to: b.Sponsor, kind: ledger.KindRefund, amount: amount}, []Event{{
			Type:  EventRefunded,
			Actor: caller,
			Payload: map[string]any{
				"sponsor": b.Sponsor.String(),
				"amount":  formatAmount(amount),
			},
		}}, nil
	})
}

// Cancel withdraws an open bounty. The escrow stays locked until Refund.
func (s *Service) Cancel(ctx context.Context, id int64, caller principal.Address) (Bounty, error) {
	return s.transition(ctx, id, nil, func(b Bounty) (Bounty, *payout, []Event, error) {
		if caller != b.Sponsor {
			return Bounty{}, nil, nil, fmt.Errorf("%w: only the sponsor may cancel", ErrUnauthorized)
		}
		if err := actionCancel.check(b.Status); err != nil {
			return Bounty{}, nil, nil, err
		}

		b.Status = StatusCancelled
		return b, nil, []Event{{
			Type:    EventCancelled,
			Actor:   caller,
			Payload: map[string]any{"sponsor": b.Sponsor.String()},
		}}, nil
	})
}

// Get is a pure read. A miss returns ErrNotFound and the zero Bounty.
func (s *Service) Get(ctx context.Context, id int64) (Bounty, error) {
	if id < 0 {
		return Bounty{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters.Normalized())
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) Events(ctx context.Context, id int64) ([]Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

// payout is a value transfer out of escrow.
type payout struct {
	to     principal.Address
	kind   ledger.Kind
	amount uint64
}

type guardFunc func(ctx context.Context, tx pgx.Tx) error

type decideFunc func(b Bounty) (Bounty, *payout, []Event, error)

// transition applies one state change. The order inside the transaction is
// fixed: lock, check, write the new status, then move value, then record
// events. A failure anywhere rolls everything back.
func (s *Service) transition(ctx context.Context, id int64, guard guardFunc, decide decideFunc) (Bounty, error) {
	if id < 0 {
		return Bounty{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bounty{}, fmt.Errorf("bounty: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if guard != nil {
		if err := guard(ctx, tx); err != nil {
			return Bounty{}, err
		}
	}

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Bounty{}, err
	}

	next, transfer, pending, err := decide(current)
	if err != nil {
		return Bounty{}, err
	}

	updated, err := s.repo.Update(ctx, tx, next)
	if err != nil {
		return Bounty{}, err
	}
	if transfer != nil {
		if _, err := s.ledger.Credit(ctx, tx, transfer.to, ledger.BountyRef(id), transfer.kind, transfer.amount); err != nil {
			return Bounty{}, err
		}
	}

	events, err := s.record(ctx, tx, updated, pending...)
	if err != nil {
		return Bounty{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Bounty{}, fmt.Errorf("bounty: commit transition: %w", err)
	}

	s.logger.Info("bounty transition", "id", id, "from", current.Status, "to", updated.Status)
	s.notify(ctx, updated, events)
	return updated, nil
}

// record appends the events to the bounty history and the outbox.
func (s *Service) record(ctx context.Context, tx pgx.Tx, b Bounty, pending ...Event) ([]Event, error) {
	events := make([]Event, 0, len(pending))
	for _, e := range pending {
		e.BountyID = b.ID
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		e.Payload["id"] = strconv.FormatInt(b.ID, 10)

		stored, err := s.repo.AppendEvent(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		events = append(events, stored)

		if s.outbox == nil {
			continue
		}
		payload := make(map[string]any, len(e.Payload)+2)
		for k, v := range e.Payload {
			payload[k] = v
		}
		payload["seq"] = stored.Seq
		payload["actor"] = stored.Actor.String()
		if err := s.outbox.Enqueue(ctx, tx, eventTopics[e.Type], payload); err != nil {
			return nil, fmt.Errorf("bounty: enqueue outbox: %w", err)
		}
	}
	return events, nil
}

func (s *Service) notify(ctx context.Context, b Bounty, events []Event) {
	if s.notifier == nil || len(events) == 0 {
		return
	}
	s.notifier.Notify(ctx, b, events)
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}
