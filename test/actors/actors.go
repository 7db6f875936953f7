// Package actors drives the escrow services concurrently for the stress
// test. Actors never fail on domain errors: rejected operations are the
// expected outcome of contention and are only counted. Correctness is
// judged by the oracles.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"bountyescrow/access"
	"bountyescrow/bounty"
	"bountyescrow/ledger"
	"bountyescrow/outbox"
	"bountyescrow/principal"
)

// Env is what every actor shares.
type Env struct {
	Bounties *bounty.Service
	Ledger   *ledger.Service
	Registry *access.Registry

	Admin    principal.Address
	Curators []principal.Address
	Sponsors []principal.Address
	Hunters  []principal.Address

	Stats *Stats

	nextID atomic.Int64
}

// Stats counts outcomes across all actors.
type Stats struct {
	Created    atomic.Int64
	Submitted  atomic.Int64
	Paid       atomic.Int64
	Cancelled  atomic.Int64
	Refunded   atomic.Int64
	Rejected   atomic.Int64
	Unexpected atomic.Int64

	mu         sync.Mutex
	firstError error
}

// FirstUnexpected returns the first error that was not a domain rejection.
func (s *Stats) FirstUnexpected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstError
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d submitted=%d paid=%d cancelled=%d refunded=%d rejected=%d unexpected=%d",
		s.Created.Load(), s.Submitted.Load(), s.Paid.Load(), s.Cancelled.Load(),
		s.Refunded.Load(), s.Rejected.Load(), s.Unexpected.Load())
}

var rejections = []error{
	bounty.ErrNotFound,
	bounty.ErrDuplicateID,
	bounty.ErrInvalidStateTransition,
	bounty.ErrUnauthorized,
	ledger.ErrInsufficientFunds,
	access.ErrLastAdministrator,
}

// observe classifies err and bumps counter on success. Errors that are not
// domain rejections come from chaos (terminated backends, deadlock
// victims) and are recorded but tolerated.
func (s *Stats) observe(err error, counter *atomic.Int64) {
	if err == nil {
		if counter != nil {
			counter.Add(1)
		}
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	for _, r := range rejections {
		if errors.Is(err, r) {
			s.Rejected.Add(1)
			return
		}
	}
	s.Unexpected.Add(1)
	s.mu.Lock()
	if s.firstError == nil {
		s.firstError = err
	}
	s.mu.Unlock()
}

func pick(addrs []principal.Address) principal.Address {
	return addrs[rand.Intn(len(addrs))]
}

// target returns a recently created id so that actors collide on the same
// bounties.
func (e *Env) target() int64 {
	hi := e.nextID.Load()
	lo := hi - 32
	if lo < 0 {
		lo = 0
	}
	return lo + rand.Int63n(hi-lo+1)
}

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func(ctx context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step(ctx)
		time.Sleep(pause())
	}
}

func jitter(base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rand.Intn(spread)) * time.Millisecond
	}
}

// Sponsor creates bounties. One create in four reuses a recent id and races
// the original for it.
func Sponsor(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 20), func(ctx context.Context) {
		id := env.nextID.Add(1)
		if rand.Intn(4) == 0 {
			id = env.target()
		}
		_, err := env.Bounties.Create(ctx, bounty.CreateParams{
			ID:          id,
			Sponsor:     pick(env.Sponsors),
			MetadataURI: fmt.Sprintf("ipfs://report-%d", id),
			Value:       uint64(1 + rand.Intn(1000)),
		})
		env.Stats.observe(err, &env.Stats.Created)
	})
}

// Hunter submits fixes for recent bounties.
func Hunter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func(ctx context.Context) {
		h := pick(env.Hunters)
		id := env.target()
		_, err := env.Bounties.SubmitFix(ctx, bounty.SubmitParams{
			ID:            id,
			Caller:        h,
			Hunter:        h,
			SubmissionURI: fmt.Sprintf("ipfs://fix-%d-%s", id, h),
		})
		env.Stats.observe(err, &env.Stats.Submitted)
	})
}

// Curator approves recent bounties. Curators whose capability is currently
// revoked are rejected.
func Curator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func(ctx context.Context) {
		_, err := env.Bounties.ApproveFix(ctx, env.target(), pick(env.Curators))
		env.Stats.observe(err, &env.Stats.Paid)
	})
}

// Withdrawer cancels and refunds recent bounties, sometimes as the wrong
// sponsor.
func Withdrawer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(20, 40), func(ctx context.Context) {
		id := env.target()
		caller := pick(env.Sponsors)
		if b, err := env.Bounties.Get(ctx, id); err == nil && rand.Intn(5) != 0 {
			caller = b.Sponsor
		}
		if rand.Intn(2) == 0 {
			_, err := env.Bounties.Cancel(ctx, id, caller)
			env.Stats.observe(err, &env.Stats.Cancelled)
			return
		}
		_, err := env.Bounties.Refund(ctx, id, caller)
		env.Stats.observe(err, &env.Stats.Refunded)
	})
}

// CapabilityChurn revokes and regrants the curator capability so approvals
// race membership changes.
func CapabilityChurn(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(50, 100), func(ctx context.Context) {
		c := pick(env.Curators)
		var err error
		if rand.Intn(2) == 0 {
			_, err = env.Registry.Revoke(ctx, env.Admin, c, access.Curator)
		} else {
			_, err = env.Registry.Grant(ctx, env.Admin, c, access.Curator)
		}
		env.Stats.observe(err, nil)
	})
}

// Depositor tops up sponsors so creates keep succeeding.
func Depositor(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(100, 100), func(ctx context.Context) {
		_, err := env.Ledger.Deposit(ctx, env.Admin, pick(env.Sponsors), uint64(10_000+rand.Intn(10_000)))
		env.Stats.observe(err, nil)
	})
}

// OutboxWorker drains the outbox through a publisher that fails one
// delivery in ten.
func OutboxWorker(ctx context.Context, d *outbox.Dispatcher, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(100, 1), func(ctx context.Context) {
		_, _ = d.DispatchOnce(ctx)
	})
}

// FlakyPublisher fails roughly one message in ten.
var FlakyPublisher = outbox.PublisherFunc(func(_ context.Context, msg outbox.Message) error {
	if rand.Intn(10) == 0 {
		return fmt.Errorf("flaky delivery of %s", msg.Topic)
	}
	return nil
})
