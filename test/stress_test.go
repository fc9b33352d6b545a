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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/arbitrator"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/withdrawal"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const arbitrationCost = 20

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

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
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	env, payer, producer := newEnv(t, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	roles := []func(context.Context, *actors.Env, <-chan struct{}) error{
		actors.Opener, actors.Settler, actors.FeePayer, actors.Funder, actors.Arbiter, actors.Withdrawer,
		actors.Reconciler,
	}
	for i := 0; i < *flConcurrency; i++ {
		for _, role := range roles {
			g.Go(func() error { return role(ctx2, env, stop) })
		}
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, env, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

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
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's backend
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	if name, row, err := oracles.Run(context.Background(), pool); err != nil || name != "" {
		t.Fatalf("final oracle %s: %s %v (seed=%d)", name, row, err, seed)
	}
	t.Logf("seed=%d injected transfer failures=%d published=%d", seed, payer.Failed(), producer.Published())
}

func newEnv(t *testing.T, pool *pgxpool.Pool) (*actors.Env, *chaos.FlakyPayer, *chaos.FlakyProducer) {
	t.Helper()
	local := arbitrator.NewLocal(arbitrator.LocalConfig{
		Identity:     "stress-court",
		Cost:         arbitrationCost,
		AppealCost:   100,
		AppealWindow: 300 * time.Millisecond,
	})
	payer := &chaos.FlakyPayer{Next: escrow.NewAccountPayer(), Rate: 20}
	engine, err := escrow.NewEngine(escrow.NewPGStore(pool), local, payer, escrow.Config{
		ArbitratorIdentity: "stress-court",
		PaymentTimeout:     time.Second,
		FeeTimeout:         time.Second,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.WithLogger(zap.NewNop().Sugar())
	local.Bind(engine)

	producer := &chaos.FlakyProducer{Rate: 10}
	relay := outbox.NewRelay(outbox.NewPGQueue(pool, 5*time.Second), producer, outbox.RelayConfig{
		BatchSize:   50,
		RetryAfter:  100 * time.Millisecond,
		MaxAttempts: 20,
	})

	env := &actors.Env{
		Pool:        pool,
		Engine:      engine,
		Withdrawals: withdrawal.NewService(engine),
		Arbitrator:  local,
		Relay:       relay,
		FeeCost:     arbitrationCost,
		Timeout:     time.Second,
	}
	for i := 0; i < 6; i++ {
		env.Parties = append(env.Parties, ledger.Address(fmt.Sprintf("party-%d", i)))
		env.Funders = append(env.Funders, ledger.Address(fmt.Sprintf("funder-%d", i)))
	}
	return env, payer, producer
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

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_transactions", `SELECT id, status, balance, fee_a, fee_b, value_in, value_out, version FROM escrow_transactions ORDER BY last_interaction DESC LIMIT 20`},
		{"timeline_events", `SELECT id, transaction_id, seq, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"appeal_rounds", `SELECT dispute_id, round, paid_a, paid_b, funded_a, funded_b, reward_pool FROM appeal_rounds ORDER BY dispute_id DESC LIMIT 20`},
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
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
