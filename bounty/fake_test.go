package bounty

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"bountyescrow/access"
	"bountyescrow/principal"
	"bountyescrow/test/fakedb"
)

// fakeRepo keeps bounties in memory. Writes are applied on commit and
// GetForUpdate holds a per-bounty lock until the transaction ends, like the
// row lock it stands in for.
type fakeRepo struct {
	mu       sync.Mutex
	rows     map[int64]Bounty
	events   map[int64][]Event
	reserved map[int64]bool
	locks    map[int64]*sync.Mutex
	pending  map[pgx.Tx]map[int64]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:     make(map[int64]Bounty),
		events:   make(map[int64][]Event),
		reserved: make(map[int64]bool),
		locks:    make(map[int64]*sync.Mutex),
		pending:  make(map[pgx.Tx]map[int64]int),
	}
}

func (f *fakeRepo) Insert(_ context.Context, tx pgx.Tx, b Bounty) (Bounty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[b.ID]; ok || f.reserved[b.ID] {
		return Bounty{}, ErrDuplicateID
	}
	f.reserved[b.ID] = true
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	fakeTx(tx).Finally(func() {
		f.mu.Lock()
		delete(f.reserved, b.ID)
		f.mu.Unlock()
	})
	fakedb.Stage(tx, func() {
		f.mu.Lock()
		f.rows[b.ID] = b
		f.mu.Unlock()
	})
	return b, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, tx pgx.Tx, id int64) (Bounty, error) {
	f.mu.Lock()
	l, ok := f.locks[id]
	if !ok {
		l = &sync.Mutex{}
		f.locks[id] = l
	}
	f.mu.Unlock()

	l.Lock()
	fakeTx(tx).Finally(l.Unlock)

	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return Bounty{}, ErrNotFound
	}
	return b, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (Bounty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return Bounty{}, ErrNotFound
	}
	return b, nil
}

func (f *fakeRepo) List(_ context.Context, filters Filters) ([]Bounty, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	filters = filters.Normalized()
	matched := []Bounty{}
	for _, b := range f.rows {
		if filters.Status != nil && b.Status != *filters.Status {
			continue
		}
		if !filters.Sponsor.IsZero() && b.Sponsor != filters.Sponsor {
			continue
		}
		if !filters.Hunter.IsZero() && b.Hunter != filters.Hunter {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	start := filters.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filters.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

// Update enforces the same rules as the bounty_guard trigger.
func (f *fakeRepo) Update(_ context.Context, tx pgx.Tx, b Bounty) (Bounty, error) {
	f.mu.Lock()
	old, ok := f.rows[b.ID]
	f.mu.Unlock()
	if !ok {
		return Bounty{}, fmt.Errorf("bounty: update: no row %d", b.ID)
	}
	if old.Status.Terminal() {
		return Bounty{}, fmt.Errorf("bounty %d is terminal (%s)", b.ID, old.Status)
	}
	if b.Status != old.Status && !CanTransition(old.Status, b.Status) {
		return Bounty{}, fmt.Errorf("bounty %d: illegal transition %s -> %s", b.ID, old.Status, b.Status)
	}
	b.UpdatedAt = time.Now().UTC()
	fakedb.Stage(tx, func() {
		f.mu.Lock()
		f.rows[b.ID] = b
		f.mu.Unlock()
	})
	return b, nil
}

func (f *fakeRepo) AppendEvent(_ context.Context, tx pgx.Tx, e Event) (Event, error) {
	f.mu.Lock()
	staged := f.pending[tx]
	if staged == nil {
		staged = make(map[int64]int)
		f.pending[tx] = staged
	}
	e.Seq = len(f.events[e.BountyID]) + staged[e.BountyID] + 1
	staged[e.BountyID]++
	f.mu.Unlock()

	e.CreatedAt = time.Now().UTC()
	fakeTx(tx).Finally(func() {
		f.mu.Lock()
		delete(f.pending, tx)
		f.mu.Unlock()
	})
	fakedb.Stage(tx, func() {
		f.mu.Lock()
		f.events[e.BountyID] = append(f.events[e.BountyID], e)
		f.mu.Unlock()
	})
	return e, nil
}

func (f *fakeRepo) Events(_ context.Context, id int64) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event{}, f.events[id]...), nil
}

func (f *fakeRepo) all() []Bounty {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Bounty, 0, len(f.rows))
	for _, b := range f.rows {
		out = append(out, b)
	}
	return out
}

func fakeTx(tx pgx.Tx) *fakedb.Tx {
	ftx, ok := tx.(*fakedb.Tx)
	if !ok {
		panic("fakeRepo requires a fakedb.Tx")
	}
	return ftx
}

type curators struct {
	mu  sync.Mutex
	set map[principal.Address]bool
}

func newCurators(ps ...principal.Address) *curators {
	c := &curators{set: make(map[principal.Address]bool)}
	for _, p := range ps {
		c.set[p] = true
	}
	return c
}

func (c *curators) HasCapabilityTx(_ context.Context, _ pgx.Tx, p principal.Address, capability access.Capability) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return capability == access.Curator && c.set[p], nil
}

type recordingOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingOutbox) Enqueue(_ context.Context, tx pgx.Tx, topic string, _ map[string]any) error {
	fakedb.Stage(tx, func() {
		r.mu.Lock()
		r.topics = append(r.topics, topic)
		r.mu.Unlock()
	})
	return nil
}

func (r *recordingOutbox) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.topics...)
}
