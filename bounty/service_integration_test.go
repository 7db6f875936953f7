package bounty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bountyescrow/access"
	"bountyescrow/db"
	"bountyescrow/ledger"
	"bountyescrow/outbox"
	"bountyescrow/principal"
)

var addrSeq atomic.Uint64

func freshAddress() principal.Address {
	n := uint64(time.Now().UnixNano())<<8 | addrSeq.Add(1)&0xff
	return principal.MustParseAddress(fmt.Sprintf("0x%040x", n))
}

// TestEscrowLifecycle_Integration runs the engine against a real PostgreSQL
// via DATABASE_URL, including the bounty_guard trigger.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	admin, curator, sponsor, hunter := freshAddress(), freshAddress(), freshAddress(), freshAddress()
	ob := outbox.NewWriter()
	registry := access.NewRegistry(pool, access.NewRepository(pool), ob)
	// Another run may already own the administrator set; seed directly.
	if _, err := pool.Exec(ctx, `INSERT INTO access_grants (principal, capability, granted_by) VALUES ($1, 'administrator', $1)`, string(admin)); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if _, err := registry.Grant(ctx, admin, curator, access.Curator); err != nil {
		t.Fatalf("grant curator: %v", err)
	}

	ledgerRepo := ledger.NewRepository(pool)
	treasury := ledger.NewService(pool, ledgerRepo, registry, ob)
	if _, err := treasury.Deposit(ctx, admin, sponsor, 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	svc := NewService(pool, NewRepository(pool), ledgerRepo, registry, ob)
	id := time.Now().UnixNano()

	if _, err := svc.Create(ctx, CreateParams{ID: id, Sponsor: sponsor, MetadataURI: "ipfs://x", Value: 600}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{ID: id, Sponsor: sponsor, MetadataURI: "ipfs://x", Value: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{ID: id + 1, Sponsor: sponsor, MetadataURI: "ipfs://x", Value: 600}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := svc.Get(ctx, id+1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("underfunded create must leave no row, got %v", err)
	}

	if _, err := svc.SubmitFix(ctx, SubmitParams{ID: id, Caller: hunter, Hunter: hunter, SubmissionURI: "uri"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var (
		wg       sync.WaitGroup
		approved atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ApproveFix(ctx, id, curator); err == nil {
				approved.Add(1)
			} else if !errors.Is(err, ErrInvalidStateTransition) {
				t.Errorf("concurrent approve: %v", err)
			}
		}()
	}
	wg.Wait()
	if approved.Load() != 1 {
		t.Fatalf("expected exactly one approval, got %d", approved.Load())
	}

	b, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != StatusPaid || b.Escrowed != 0 || b.Hunter != hunter {
		t.Fatalf("unexpected final bounty: %+v", b)
	}
	if got, _ := treasury.Balance(ctx, hunter); got != 600 {
		t.Fatalf("hunter balance: %d", got)
	}
	if got, _ := treasury.Balance(ctx, sponsor); got != 400 {
		t.Fatalf("sponsor balance: %d", got)
	}

	events, err := svc.Events(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []EventType{EventCreated, EventFixSubmitted, EventFixApproved, EventPaid}
	if !equalTypes(eventTypes(events), want) {
		t.Fatalf("events: want %v, got %v", want, eventTypes(events))
	}

	// The trigger rejects edits that bypass the engine.
	if _, err := pool.Exec(ctx, `UPDATE bounties SET status = 'refunded' WHERE id = $1`, id); err == nil {
		t.Fatal("expected trigger to reject mutation of a paid bounty")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM bounties WHERE id = $1`, id); err == nil {
		t.Fatal("expected trigger to reject delete")
	}

	var journal int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE bounty_id = $1`, id).Scan(&journal); err != nil {
		t.Fatalf("sum journal: %v", err)
	}
	if journal != 0 {
		t.Fatalf("paid bounty must net to zero in the journal, got %d", journal)
	}
}
