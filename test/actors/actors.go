package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitrator"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/withdrawal"
)

// Env is what every actor drives.
type Env struct {
	Pool        *pgxpool.Pool
	Engine      *escrow.Engine
	Withdrawals *withdrawal.Service
	Arbitrator  *arbitrator.Local
	Relay       *outbox.Relay
	Parties     []ledger.Address
	Funders     []ledger.Address
	// FeeCost must match the arbitrator's arbitration cost.
	FeeCost ledger.Amount
	// Timeout is used for both payment and fee timeouts of new transactions.
	Timeout time.Duration
}

// fatal drops the rejections actors provoke on purpose and keeps only
// broken invariants.
func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, escrow.ErrValueInvariant) || errors.Is(err, ledger.ErrArithmeticOverflow) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func jitter(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// pick returns one random row's first column, or false when none match.
func pick(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) (string, bool) {
	var id string
	if err := pool.QueryRow(ctx, sql+" ORDER BY random() LIMIT 1", args...).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}

func (e *Env) pair() (ledger.Address, ledger.Address) {
	i := rand.Intn(len(e.Parties))
	j := (i + 1 + rand.Intn(len(e.Parties)-1)) % len(e.Parties)
	return e.Parties[i], e.Parties[j]
}

// Opener creates escrow transactions between random parties.
func Opener(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		a, b := env.pair()
		_, err := env.Engine.Create(ctx, escrow.CreateParams{
			PartyA:         a,
			PartyB:         b,
			Value:          ledger.Amount(100 + rand.Intn(900)),
			PaymentTimeout: env.Timeout,
			FeeTimeout:     env.Timeout,
			MetaEvidence:   "stress://meta",
		})
		if err := fatal("create", err); err != nil {
			return err
		}
		jitter(40, 60)
	}
}

// Settler pays, reimburses or executes undisputed transactions.
func Settler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := pick(ctx, env.Pool, `SELECT id::text FROM escrow_transactions WHERE status = 'no_dispute' AND balance > 0`)
		if !ok {
			jitter(20, 30)
			continue
		}
		tx, err := env.Engine.Get(ctx, id)
		if err != nil {
			continue
		}
		amount := ledger.Amount(1 + rand.Int63n(int64(tx.Balance)))
		switch rand.Intn(4) {
		case 0, 1:
			_, err = env.Engine.Pay(ctx, id, tx.PartyA, amount)
		case 2:
			_, err = env.Engine.Reimburse(ctx, id, tx.PartyB, amount)
		default:
			_, err = env.Engine.ExecuteTransaction(ctx, id)
		}
		if err := fatal("settle", err); err != nil {
			return err
		}
		jitter(20, 40)
	}
}

// FeePayer raises disputes by paying arbitration fees, and claims fee
// timeouts when the other side stays silent.
func FeePayer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := pick(ctx, env.Pool, `SELECT id::text FROM escrow_transactions
			WHERE status IN ('no_dispute','waiting_party_a','waiting_party_b') AND balance > 0`)
		if !ok {
			jitter(20, 30)
			continue
		}
		tx, err := env.Engine.Get(ctx, id)
		if err != nil {
			continue
		}
		side := ledger.SideA
		switch tx.Status {
		case escrow.StatusWaitingPartyA:
		case escrow.StatusWaitingPartyB:
			side = ledger.SideB
		default:
			if rand.Intn(2) == 0 {
				side = ledger.SideB
			}
		}
		if tx.Status != escrow.StatusNoDispute && rand.Intn(4) == 0 {
			_, err = env.Engine.TimeOut(ctx, id, side.Opposite())
		} else {
			value := env.FeeCost + ledger.Amount(rand.Intn(10))
			_, err = env.Engine.PayArbitrationFee(ctx, id, tx.Party(side), side, value)
		}
		if err := fatal("fee", err); err != nil {
			return err
		}
		jitter(30, 50)
	}
}

// Funder crowdfunds appeals of ruled disputes.
func Funder(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := pick(ctx, env.Pool, `SELECT id::text FROM escrow_transactions WHERE status = 'dispute_created'`)
		if !ok {
			jitter(20, 30)
			continue
		}
		side := ledger.Side(1 + rand.Intn(2))
		funder := env.Funders[rand.Intn(len(env.Funders))]
		_, err := env.Engine.FundAppeal(ctx, id, funder, side, ledger.Amount(50+rand.Intn(400)))
		if err := fatal("fund appeal", err); err != nil {
			return err
		}
		jitter(20, 40)
	}
}

// Arbiter rules on open disputes and finalizes rulings whose appeal window
// elapsed.
func Arbiter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		raw, ok := pick(ctx, env.Pool, `SELECT id::text FROM disputes WHERE status = 'under_review'`)
		if !ok {
			jitter(20, 30)
			continue
		}
		var id uint64
		if _, err := fmt.Sscan(raw, &id); err != nil {
			return fmt.Errorf("arbiter: dispute id %q: %w", raw, err)
		}
		disputeID := ledger.DisputeID(id)
		if err := env.Arbitrator.GiveRuling(ctx, disputeID, arbitrator.Ruling(rand.Intn(3))); err != nil {
			err = env.Arbitrator.Finalize(ctx, disputeID)
			if err := fatal("finalize", err); err != nil {
				return err
			}
		}
		jitter(30, 50)
	}
}

// Withdrawer collects appeal rewards of resolved disputes and retries
// unclaimed payouts.
func Withdrawer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var id, contributor string
		err := env.Pool.QueryRow(ctx, `
			SELECT t.id::text, c.contributor
			FROM appeal_contributions c
			JOIN disputes d ON d.id = c.dispute_id
			JOIN escrow_transactions t ON t.id = d.transaction_id
			WHERE d.status = 'resolved' AND NOT c.withdrawn
			ORDER BY random() LIMIT 1`).Scan(&id, &contributor)
		if err != nil {
			jitter(30, 50)
			continue
		}
		_, err = env.Withdrawals.BatchWithdraw(ctx, id, ledger.Address(contributor), 0, 1<<16)
		if err := fatal("withdraw", err); err != nil {
			return err
		}
		if claimID, ok := pick(ctx, env.Pool, `SELECT id::text FROM escrow_transactions WHERE unclaimed <> '{}'::jsonb`); ok {
			if tx, err := env.Engine.Get(ctx, claimID); err == nil {
				for addr := range tx.Unclaimed {
					_, err := env.Engine.ClaimUnclaimed(ctx, claimID, addr)
					if err := fatal("claim", err); err != nil {
						return err
					}
				}
			}
		}
		jitter(20, 40)
	}
}

// OutboxWorker drains the outbox through the relay.
func OutboxWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = env.Relay.Flush(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Reconciler completes arbitrator calls left pending by a lost outcome.
func Reconciler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := pick(ctx, env.Pool, `SELECT id::text FROM escrow_transactions WHERE pending IS NOT NULL`)
		if !ok {
			jitter(50, 50)
			continue
		}
		_, err := env.Engine.Reconcile(ctx, id)
		if err := fatal("reconcile", err); err != nil {
			return err
		}
		jitter(20, 30)
	}
}
