package ledger

import (
	"errors"
	"math"
	"time"

	"bountyescrow/principal"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAmountOutOfRange  = errors.New("ledger: amount out of range")
	ErrZeroAmount        = errors.New("ledger: amount must be positive")
	ErrInvalidAddress    = errors.New("ledger: invalid address")
	ErrUnauthorized      = errors.New("ledger: caller is not an administrator")
	// ErrSupplyExceeded rejects a deposit that would take the total value
	// ever deposited past math.MaxInt64. Balances and escrow are bounded by
	// that total, so no account can overflow.
	ErrSupplyExceeded = errors.New("ledger: deposit exceeds maximum supply")
)

// Kind classifies a journal entry.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindEscrowLock Kind = "escrow_lock"
	KindPayout     Kind = "payout"
	KindRefund     Kind = "refund"
)

// Entry is one append-only journal line. Delta is negative for debits.
type Entry struct {
	ID        int64
	Address   principal.Address
	BountyID  *int64
	Kind      Kind
	Delta     int64
	CreatedAt time.Time
}

// Account is a principal's spendable balance.
type Account struct {
	Address   principal.Address
	Balance   uint64
	UpdatedAt time.Time
}

// BountyRef returns a pointer suitable for Entry.BountyID.
func BountyRef(id int64) *int64 {
	return &id
}

func checkAmount(amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if amount > math.MaxInt64 {
		return ErrAmountOutOfRange
	}
	return nil
}
