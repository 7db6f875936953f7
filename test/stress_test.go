package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"bountyescrow/access"
	"bountyescrow/bounty"
	"bountyescrow/ledger"
	"bountyescrow/outbox"
	"bountyescrow/principal"
	"bountyescrow/test/actors"
	"bountyescrow/test/chaos"
	"bountyescrow/test/infra"
	"bountyescrow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const appName = "bounty_stress"

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			local := infra.LocalDatabase{Name: appName, User: appName, Password: appName}
			var dropLocal func(context.Context) error
			dsn, dropLocal, err = local.Create(ctx, appName)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			defer dropLocal(context.Background())
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, appName, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	env := mustSeed(t, ctx, pool)
	dispatcher := outbox.NewDispatcher(pool, actors.FlakyPublisher).WithMaxAttempts(1000)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Sponsor(ctx2, env, stop) })
		g.Go(func() error { return actors.Hunter(ctx2, env, stop) })
		g.Go(func() error { return actors.Curator(ctx2, env, stop) })
		g.Go(func() error { return actors.Withdrawer(ctx2, env, stop) })
	}
	g.Go(func() error { return actors.CapabilityChurn(ctx2, env, stop) })
	g.Go(func() error { return actors.Depositor(ctx2, env, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, appName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, ctx2, pool, seed) {
				failed = true
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	if failed {
		return
	}

	// Quiescent state: every oracle must hold once the last transaction is in.
	if checkOracles(t, context.Background(), pool, seed) {
		return
	}
	t.Logf("stress done (seed=%d): %s", seed, env.Stats)
	if env.Stats.Created.Load() == 0 {
		t.Fatalf("no bounty was ever created; first unexpected error: %v", env.Stats.FirstUnexpected())
	}
	if err := env.Stats.FirstUnexpected(); err != nil {
		t.Logf("tolerated %d non-domain errors, first: %v", env.Stats.Unexpected.Load(), err)
	}
}

// checkOracles reports whether an oracle failed. Failures are fatal for
// the test but the caller still has to stop the actors.
func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		// A chaos-terminated connection fails the query, not the invariant.
		t.Logf("oracle %s query error: %v", name, err)
		return false
	}
	if name == "" {
		return false
	}
	dumpRecent(t, ctx, pool)
	t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	return true
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func address(n int) principal.Address {
	return principal.MustParseAddress(fmt.Sprintf("0x%040x", n))
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *actors.Env {
	t.Helper()

	writer := outbox.NewWriter()
	registry := access.NewRegistry(pool, access.NewRepository(pool), writer)
	ledgerRepo := ledger.NewRepository(pool)

	env := &actors.Env{
		Bounties: bounty.NewService(pool, bounty.NewRepository(pool), ledgerRepo, registry, writer),
		Ledger:   ledger.NewService(pool, ledgerRepo, registry, writer),
		Registry: registry,
		Admin:    address(0xad),
		Stats:    &actors.Stats{},
	}
	for i := 0; i < 3; i++ {
		env.Curators = append(env.Curators, address(0xc0+i))
	}
	for i := 0; i < 4; i++ {
		env.Sponsors = append(env.Sponsors, address(0x50+i))
		env.Hunters = append(env.Hunters, address(0x80+i))
	}

	if _, err := registry.Bootstrap(ctx, env.Admin); err != nil {
		t.Fatalf("bootstrap administrator: %v", err)
	}
	for _, c := range env.Curators {
		if _, err := registry.Grant(ctx, env.Admin, c, access.Curator); err != nil {
			t.Fatalf("grant curator %s: %v", c, err)
		}
	}
	for _, s := range env.Sponsors {
		if _, err := env.Ledger.Deposit(ctx, env.Admin, s, 1_000_000); err != nil {
			t.Fatalf("fund sponsor %s: %v", s, err)
		}
	}
	return env
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"bounties", `SELECT id, sponsor, hunter, amount, escrowed, status, updated_at FROM bounties ORDER BY updated_at DESC LIMIT 50`},
		{"bounty_events", `SELECT bounty_id, seq, type, actor, created_at FROM bounty_events ORDER BY id DESC LIMIT 50`},
		{"ledger_entries", `SELECT id, address, bounty_id, kind, delta FROM ledger_entries ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
