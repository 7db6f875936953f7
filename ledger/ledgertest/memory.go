// Package ledgertest provides an in-memory ledger.Repository whose writes
// become visible only when the surrounding fakedb transaction commits.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"bountyescrow/ledger"
	"bountyescrow/principal"
	"bountyescrow/test/fakedb"
)

type Memory struct {
	mu       sync.Mutex
	balances map[principal.Address]uint64
	entries  []ledger.Entry
	// minted is the committed total of deposits and Fund calls.
	minted uint64
	// pending tracks staged debits so two debits in one tx cannot overdraw.
	pending map[pgx.Tx]map[principal.Address]int64
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[principal.Address]uint64),
		pending:  make(map[pgx.Tx]map[principal.Address]int64),
	}
}

// Fund sets a balance directly, bypassing the journal.
func (m *Memory) Fund(address principal.Address, amount uint64) {
	m.mu.Lock()
	m.balances[address] += amount
	m.minted += amount
	m.mu.Unlock()
}

func (m *Memory) Credit(_ context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind ledger.Kind, amount uint64) (uint64, error) {
	if err := check(amount); err != nil {
		return 0, err
	}
	m.mu.Lock()
	next := int64(m.balances[address]) + m.pendingLocked(tx, address) + int64(amount)
	m.addPendingLocked(tx, address, int64(amount))
	m.mu.Unlock()

	m.stage(tx, address, bountyID, kind, int64(amount))
	return uint64(next), nil
}

func (m *Memory) Debit(_ context.Context, tx pgx.Tx, address principal.Address, bountyID *int64, kind ledger.Kind, amount uint64) (uint64, error) {
	if err := check(amount); err != nil {
		return 0, err
	}
	m.mu.Lock()
	available := int64(m.balances[address]) + m.pendingLocked(tx, address)
	if available < int64(amount) {
		m.mu.Unlock()
		return 0, ledger.ErrInsufficientFunds
	}
	m.addPendingLocked(tx, address, -int64(amount))
	m.mu.Unlock()

	m.stage(tx, address, bountyID, kind, -int64(amount))
	return uint64(available - int64(amount)), nil
}

func (m *Memory) ReserveSupply(_ context.Context, _ pgx.Tx, amount uint64) error {
	if err := check(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > 1<<63-1-m.minted {
		return ledger.ErrSupplyExceeded
	}
	return nil
}

func (m *Memory) Balance(_ context.Context, address principal.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

func (m *Memory) Entries(_ context.Context, address principal.Address) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ledger.Entry{}
	for _, e := range m.entries {
		if e.Address == address {
			out = append(out, e)
		}
	}
	return out, nil
}

// BountyEntries returns the committed entries that reference bountyID.
func (m *Memory) BountyEntries(bountyID int64) []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ledger.Entry{}
	for _, e := range m.entries {
		if e.BountyID != nil && *e.BountyID == bountyID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) stage(tx pgx.Tx, address principal.Address, bountyID *int64, kind ledger.Kind, delta int64) {
	fakedb.Stage(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.pending, tx)
		m.balances[address] = uint64(int64(m.balances[address]) + delta)
		if kind == ledger.KindDeposit {
			m.minted += uint64(delta)
		}
		m.entries = append(m.entries, ledger.Entry{
			ID:        int64(len(m.entries) + 1),
			Address:   address,
			BountyID:  bountyID,
			Kind:      kind,
			Delta:     delta,
			CreatedAt: time.Now().UTC(),
		})
	})
}

func (m *Memory) pendingLocked(tx pgx.Tx, address principal.Address) int64 {
	if p := m.pending[tx]; p != nil {
		return p[address]
	}
	return 0
}

func (m *Memory) addPendingLocked(tx pgx.Tx, address principal.Address, delta int64) {
	p := m.pending[tx]
	if p == nil {
		p = make(map[principal.Address]int64)
		m.pending[tx] = p
	}
	p[address] += delta
}

func check(amount uint64) error {
	if amount == 0 {
		return ledger.ErrZeroAmount
	}
	if amount > 1<<63-1 {
		return ledger.ErrAmountOutOfRange
	}
	return nil
}
