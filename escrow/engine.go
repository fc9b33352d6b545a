package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowflow/appeal"
	"escrowflow/arbitrator"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/metrics"
)

// Store persists transactions. Update runs fn on a private copy of the
// transaction while holding the transaction's lock and persists the copy
// together with the returned events only when fn succeeds.
type Store interface {
	Create(ctx context.Context, tx *Transaction, events []Event) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, id string, fn func(tx *Transaction) ([]Event, error)) (*Transaction, error)
	FindByDispute(ctx context.Context, id ledger.DisputeID) (string, error)
	Events(ctx context.Context, id string) ([]Event, error)
	List(ctx context.Context, party ledger.Address, transactionID string) ([]dispute.Summary, error)
}

// Config holds the engine's policy parameters.
type Config struct {
	ArbitratorIdentity ledger.Address
	ExtraData          []byte
	PaymentTimeout     time.Duration
	FeeTimeout         time.Duration
	Multipliers        appeal.Multipliers
}

// Engine runs the escrow state machine. Every operation is one atomic
// unit in the store; outbound transfers run after the unit commits.
type Engine struct {
	store       Store
	arbitrator  arbitrator.Arbitrator
	payer       Payer
	appeals     *appeal.Manager
	cfg         Config
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	idGenerator func() string
	now         func() time.Time
}

var _ arbitrator.Arbitrable = (*Engine)(nil)

func NewEngine(store Store, arb arbitrator.Arbitrator, payer Payer, cfg Config) (*Engine, error) {
	if store == nil || arb == nil || payer == nil {
		return nil, fmt.Errorf("escrow: store, arbitrator and payer are required")
	}
	if cfg.Multipliers == (appeal.Multipliers{}) {
		cfg.Multipliers = appeal.DefaultMultipliers
	}
	mgr, err := appeal.NewManager(cfg.Multipliers)
	if err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}
	return &Engine{
		store:       store,
		arbitrator:  arb,
		payer:       payer,
		appeals:     mgr,
		cfg:         cfg,
		log:         zap.NewNop().Sugar(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}, nil
}

func (e *Engine) WithLogger(log *zap.SugaredLogger) *Engine {
	e.log = log
	return e
}

func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Transfer is an outbound payment performed after its unit commits. When
// it fails, Undo reverses the debit in a new unit; without Undo the amount
// is credited to the recipient's unclaimed balance.
type Transfer struct {
	To     ledger.Address
	Amount ledger.Amount
	Reason string
	Undo   func(tx *Transaction) error
}

// Unit is the mutable view handed to a mutation.
type Unit struct {
	Tx        *Transaction
	Now       time.Time
	events    []Event
	transfers []Transfer
	call      *Pending
}

// Emit records an event committed with the unit.
func (u *Unit) Emit(typ EventType, actor ledger.Address, payload map[string]any) {
	u.events = append(u.events, Event{
		TransactionID: u.Tx.ID,
		Type:          typ,
		Actor:         actor,
		Payload:       payload,
		CreatedAt:     u.Now,
	})
}

// Pay schedules a transfer and books it as value out. Zero amounts are
// skipped.
func (u *Unit) Pay(to ledger.Address, amount ledger.Amount, reason string, undo func(tx *Transaction) error) error {
	if amount == 0 {
		return nil
	}
	out, err := u.Tx.Out.Add(amount)
	if err != nil {
		return err
	}
	u.Tx.Out = out
	u.transfers = append(u.transfers, Transfer{To: to, Amount: amount, Reason: reason, Undo: undo})
	return nil
}

// Receive books value paid into the escrow.
func (u *Unit) Receive(amount ledger.Amount) error {
	return u.Tx.credit(amount)
}

// CallArbitrator books p.Fee as paid to the arbitrator and commits the
// call as pending with the unit. The call itself is made after commit.
func (u *Unit) CallArbitrator(p Pending) error {
	out, err := u.Tx.Out.Add(p.Fee)
	if err != nil {
		return err
	}
	u.Tx.Out = out
	u.Tx.Pending = &p
	u.call = &p
	return nil
}

// Mutate runs fn as one atomic unit on the transaction, then performs the
// transfers and the arbitrator call it scheduled. Transfer failures with
// an Undo are reported as ErrTransferFailed after compensation. A
// transaction with a pending arbitrator call rejects every unit with
// ErrInvalidState until the call completes.
func (e *Engine) Mutate(ctx context.Context, id, op string, fn func(u *Unit) error) (*Transaction, error) {
	var unit *Unit
	tx, err := e.store.Update(ctx, id, func(tx *Transaction) ([]Event, error) {
		if p := tx.Pending; p != nil {
			return nil, fmt.Errorf("escrow: %s: %s call %s pending: %w", op, p.Kind, p.Key, ErrInvalidState)
		}
		unit = &Unit{Tx: tx, Now: e.now()}
		if err := fn(unit); err != nil {
			return nil, err
		}
		if err := tx.Check(); err != nil {
			return nil, err
		}
		return unit.events, nil
	})
	e.metrics.ObserveOperation(op, err)
	if err != nil {
		return nil, err
	}
	settleErr := e.settle(ctx, id, unit.transfers)
	if unit.call == nil {
		return tx, settleErr
	}
	called, err := e.completeCall(ctx, id, *unit.call)
	if called != nil {
		tx = called
	}
	return tx, errors.Join(settleErr, err)
}

// Reconcile completes the transaction's pending arbitrator call, if any.
// The call is repeated with its original key so an arbitrator that already
// accepted it is not paid twice.
func (e *Engine) Reconcile(ctx context.Context, id string) (*Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Pending == nil {
		return tx, nil
	}
	return e.completeCall(ctx, id, *tx.Pending)
}

// completeCall makes a pending arbitrator call and records its outcome in
// a new unit: an accepted call is applied, a rejected one reversed. When
// the outcome is unknown the call stays pending and ErrArbitratorPending
// is returned.
func (e *Engine) completeCall(ctx context.Context, id string, p Pending) (*Transaction, error) {
	var (
		disputeID ledger.DisputeID
		callErr   error
	)
	switch p.Kind {
	case PendingDispute:
		disputeID, callErr = e.arbitrator.CreateDispute(ctx, p.Key, dispute.Choices, e.cfg.ExtraData, p.Fee)
	case PendingAppeal:
		disputeID = p.Round.DisputeID
		callErr = e.arbitrator.Appeal(ctx, p.Key, disputeID, e.cfg.ExtraData, p.Fee)
	default:
		return nil, fmt.Errorf("escrow: unknown arbitrator call %q", p.Kind)
	}
	e.metrics.ObserveOperation(string(p.Kind), callErr)
	if callErr != nil && !arbitrator.Rejected(callErr) {
		e.log.Warnw("arbitrator call outcome unknown", "transaction_id", id, "kind", p.Kind, "key", p.Key, "error", callErr)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrArbitratorPending, p.Kind, p.Key, callErr)
	}

	var (
		unit  *Unit
		stale bool
	)
	tx, err := e.store.Update(context.WithoutCancel(ctx), id, func(tx *Transaction) ([]Event, error) {
		unit = &Unit{Tx: tx, Now: e.now()}
		if tx.Pending == nil || tx.Pending.Key != p.Key {
			stale = true
			return nil, nil
		}
		tx.Pending = nil
		var err error
		if callErr != nil {
			err = e.revertCall(unit, p, callErr)
		} else {
			err = e.applyCall(unit, p, disputeID)
		}
		if err != nil {
			return nil, err
		}
		if err := tx.Check(); err != nil {
			return nil, err
		}
		return unit.events, nil
	})
	if err != nil {
		e.log.Errorw("recording arbitrator call outcome failed", "transaction_id", id, "kind", p.Kind, "key", p.Key, "error", err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrArbitratorPending, p.Kind, p.Key, err)
	}
	if stale {
		return tx, nil
	}
	if err := e.settle(ctx, id, unit.transfers); err != nil {
		return tx, err
	}
	if callErr != nil {
		return tx, fmt.Errorf("escrow: %s: %w", p.Kind, callErr)
	}
	if p.Kind == PendingAppeal {
		e.metrics.IncAppeals()
	}
	return tx, nil
}

func (e *Engine) applyCall(u *Unit, p Pending, disputeID ledger.DisputeID) error {
	tx := u.Tx
	switch p.Kind {
	case PendingDispute:
		tx.Dispute = dispute.New(disputeID, tx.ID, u.Now)
		tx.Rounds.Open(disputeID)
		tx.Status = StatusDisputeCreated
		u.Emit(EventDisputeCreated, "", map[string]any{
			"dispute_id":    uint64(disputeID),
			"cost":          p.Fee.String(),
			"meta_evidence": tx.MetaEvidence,
		})
		e.log.Infow("dispute created", "transaction_id", tx.ID, "dispute_id", disputeID, "cost", p.Fee)
	case PendingAppeal:
		if tx.Dispute == nil {
			return fmt.Errorf("escrow: appeal of transaction %s without dispute: %w", tx.ID, ErrInvalidState)
		}
		if _, err := e.appeals.Raise(tx.Rounds, p.Round, p.Fee); err != nil {
			return err
		}
		round, err := tx.Rounds.Round(p.Round)
		if err != nil {
			return err
		}
		tx.Dispute.RoundCount = tx.Rounds.Count(disputeID)
		u.Emit(EventAppealRaised, "", map[string]any{
			"dispute_id":  uint64(disputeID),
			"round":       p.Round.Number,
			"cost":        p.Fee.String(),
			"reward_pool": round.RewardPool.String(),
		})
		e.log.Infow("appeal raised", "transaction_id", tx.ID, "dispute_id", disputeID, "round", p.Round.Number, "cost", p.Fee)
	}
	return nil
}

// revertCall returns the arbitrator fee to the escrow and hands back the
// payment that triggered the rejected call.
func (e *Engine) revertCall(u *Unit, p Pending, cause error) error {
	tx := u.Tx
	out, err := tx.Out.Sub(p.Fee)
	if err != nil {
		return err
	}
	tx.Out = out
	switch p.Kind {
	case PendingDispute:
		tx.ArbitrationPaid = 0
		fee, err := tx.Fee(p.Side).Sub(p.Kept)
		if err != nil {
			return err
		}
		tx.setFee(p.Side, fee)
	case PendingAppeal:
		round, err := tx.Rounds.Round(p.Round)
		if err != nil {
			return err
		}
		pool, err := round.RewardPool.Sub(round.Paid[p.Side])
		if err != nil {
			return err
		}
		round.RewardPool = pool
		round.Funded[p.Side] = false
		if p.Kept > 0 {
			if err := tx.Rounds.Unrecord(p.Round, p.Side, p.Payer, p.Kept); err != nil {
				return err
			}
		}
	}
	u.Emit(EventArbitratorRejected, p.Payer, map[string]any{
		"kind":   string(p.Kind),
		"key":    p.Key,
		"fee":    p.Fee.String(),
		"refund": p.Kept.String(),
		"error":  cause.Error(),
	})
	e.log.Warnw("arbitrator rejected call", "transaction_id", tx.ID, "kind", p.Kind, "key", p.Key, "error", cause)
	return u.Pay(p.Payer, p.Kept, "arbitrator_rejected", nil)
}

func (e *Engine) settle(ctx context.Context, id string, transfers []Transfer) error {
	var failed error
	for _, t := range transfers {
		err := e.payer.Transfer(ctx, t.To, t.Amount)
		e.metrics.ObserveTransfer(t.Reason, uint64(t.Amount), err)
		if err == nil {
			continue
		}
		e.log.Warnw("transfer failed, compensating", "transaction_id", id, "to", t.To, "amount", t.Amount, "reason", t.Reason, "error", err)
		if cerr := e.compensate(context.WithoutCancel(ctx), id, t, err); cerr != nil {
			e.log.Errorw("compensation failed", "transaction_id", id, "to", t.To, "amount", t.Amount, "error", cerr)
			return errors.Join(fmt.Errorf("%w: %w", ErrTransferFailed, err), cerr)
		}
		if t.Undo != nil {
			failed = errors.Join(failed, fmt.Errorf("%w: %s to %s: %w", ErrTransferFailed, t.Amount, t.To, err))
		}
	}
	return failed
}

func (e *Engine) compensate(ctx context.Context, id string, t Transfer, cause error) error {
	_, err := e.store.Update(ctx, id, func(tx *Transaction) ([]Event, error) {
		out, err := tx.Out.Sub(t.Amount)
		if err != nil {
			return nil, err
		}
		tx.Out = out
		payload := map[string]any{
			"to":     string(t.To),
			"amount": t.Amount.String(),
			"reason": t.Reason,
			"error":  cause.Error(),
		}
		if t.Undo != nil {
			if err := t.Undo(tx); err != nil {
				return nil, err
			}
			payload["reversed"] = true
		} else {
			if tx.Unclaimed == nil {
				tx.Unclaimed = make(map[ledger.Address]ledger.Amount)
			}
			owed, err := tx.Unclaimed[t.To].Add(t.Amount)
			if err != nil {
				return nil, err
			}
			tx.Unclaimed[t.To] = owed
			payload["unclaimed"] = owed.String()
		}
		if err := tx.Check(); err != nil {
			return nil, err
		}
		return []Event{{
			TransactionID: id,
			Type:          EventTransferReversed,
			Actor:         t.To,
			Payload:       payload,
			CreatedAt:     e.now(),
		}}, nil
	})
	return err
}

// Get returns a snapshot of the transaction.
func (e *Engine) Get(ctx context.Context, id string) (*Transaction, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) Events(ctx context.Context, id string) ([]Event, error) {
	return e.store.Events(ctx, id)
}

// Disputes lists the disputes of every transaction the party is part of.
func (e *Engine) Disputes(ctx context.Context, party ledger.Address) ([]dispute.Summary, error) {
	return e.store.List(ctx, party, "")
}

// Multipliers returns the stake multipliers in force.
func (e *Engine) Multipliers() appeal.Multipliers {
	return e.appeals.Multipliers
}
