// Package fakedb provides in-memory stand-ins for pgx transactions so that
// services can be unit tested against fake repositories.
package fakedb

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out a fresh Tx per Begin and remembers all of them.
type Pool struct {
	mu       sync.Mutex
	Txs      []*Tx
	BeginErr error
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.mu.Lock()
	p.Txs = append(p.Txs, tx)
	p.mu.Unlock()
	return tx, nil
}

// Last returns the most recent transaction or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Commits counts committed transactions.
func (p *Pool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

// Tx records commit/rollback. Exec succeeds and is recorded; Query and
// QueryRow are not supported. Fake repositories stage their writes with
// AfterCommit so a rolled back transaction leaves them untouched.
type Tx struct {
	mu         sync.Mutex
	Committed  bool
	RolledBack bool
	CommitErr  error
	Execs      []string
	onCommit   []func()
	onEnd      []func()
}

// AfterCommit registers fn to run once the transaction commits.
func (f *Tx) AfterCommit(fn func()) {
	f.mu.Lock()
	f.onCommit = append(f.onCommit, fn)
	f.mu.Unlock()
}

// Finally registers fn to run when the transaction ends by commit or
// rollback. Fake repositories release their row locks here.
func (f *Tx) Finally(fn func()) {
	f.mu.Lock()
	f.onEnd = append(f.onEnd, fn)
	f.mu.Unlock()
}

// Stage runs fn on commit when tx is a *Tx and immediately otherwise.
func Stage(tx pgx.Tx, fn func()) {
	if ftx, ok := tx.(*Tx); ok {
		ftx.AfterCommit(fn)
		return
	}
	fn()
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakedb: nested transactions not supported")
}

func (f *Tx) Commit(context.Context) error {
	f.mu.Lock()
	if f.CommitErr != nil {
		f.mu.Unlock()
		return f.CommitErr
	}
	if f.Committed || f.RolledBack {
		f.mu.Unlock()
		return pgx.ErrTxClosed
	}
	f.Committed = true
	hooks := append(f.onCommit, f.onEnd...)
	f.onCommit, f.onEnd = nil, nil
	f.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (f *Tx) Rollback(context.Context) error {
	f.mu.Lock()
	if f.Committed || f.RolledBack {
		f.mu.Unlock()
		return pgx.ErrTxClosed
	}
	f.RolledBack = true
	hooks := f.onEnd
	f.onCommit, f.onEnd = nil, nil
	f.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.Execs = append(f.Execs, sql)
	f.mu.Unlock()
	return pgconn.CommandTag{}, nil
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}
