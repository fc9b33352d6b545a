package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
)

// TerminateRandomBackend kills a random backend connection of the test database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

var ErrInjected = errors.New("chaos: injected transfer failure")

// FlakyPayer rejects one in every Rate transfers so the engine's
// compensation paths run under load.
type FlakyPayer struct {
	Next   escrow.Payer
	Rate   int
	failed atomic.Int64
}

func (p *FlakyPayer) Transfer(ctx context.Context, to ledger.Address, amount ledger.Amount) error {
	if p.Rate > 0 && rand.Intn(p.Rate) == 0 {
		p.failed.Add(1)
		return ErrInjected
	}
	return p.Next.Transfer(ctx, to, amount)
}

// Failed returns how many transfers were rejected.
func (p *FlakyPayer) Failed() int64 {
	return p.failed.Load()
}

// FlakyProducer accepts outbox messages but rejects one in every Rate.
type FlakyProducer struct {
	Rate      int
	published atomic.Int64
}

func (p *FlakyProducer) Publish(_ context.Context, _ outbox.Message) error {
	if p.Rate > 0 && rand.Intn(p.Rate) == 0 {
		return errors.New("chaos: broker unavailable")
	}
	p.published.Add(1)
	return nil
}

// Published returns how many messages were accepted.
func (p *FlakyProducer) Published() int64 {
	return p.published.Load()
}
