package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowflow/appeal"
	"escrowflow/arbitrator"
	"escrowflow/dispute"
	"escrowflow/ledger"
)

type CreateParams struct {
	PartyA         ledger.Address
	PartyB         ledger.Address
	Value          ledger.Amount
	PaymentTimeout time.Duration
	FeeTimeout     time.Duration
	MetaEvidence   string
}

// Create locks Value deposited by party A for party B.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Transaction, error) {
	if params.PartyA == "" || params.PartyB == "" {
		return nil, fmt.Errorf("escrow: create: both parties are required")
	}
	if params.PartyA == params.PartyB {
		return nil, fmt.Errorf("escrow: create: parties must differ")
	}
	if params.Value == 0 {
		return nil, fmt.Errorf("escrow: create: %w", ErrInsufficientPayment)
	}
	if params.PaymentTimeout <= 0 {
		params.PaymentTimeout = e.cfg.PaymentTimeout
	}
	if params.FeeTimeout <= 0 {
		params.FeeTimeout = e.cfg.FeeTimeout
	}

	now := e.now()
	tx := &Transaction{
		ID:              e.idGenerator(),
		PartyA:          params.PartyA,
		PartyB:          params.PartyB,
		Locked:          params.Value,
		Balance:         params.Value,
		Status:          StatusNoDispute,
		CreatedAt:       now,
		LastInteraction: now,
		PaymentTimeout:  params.PaymentTimeout,
		FeeTimeout:      params.FeeTimeout,
		MetaEvidence:    params.MetaEvidence,
		Rounds:          ledger.NewBook(),
		Unclaimed:       make(map[ledger.Address]ledger.Amount),
		In:              params.Value,
	}
	event := Event{
		TransactionID: tx.ID,
		Type:          EventTransactionCreated,
		Actor:         tx.PartyA,
		Payload: map[string]any{
			"party_a":       string(tx.PartyA),
			"party_b":       string(tx.PartyB),
			"amount":        tx.Locked.String(),
			"meta_evidence": tx.MetaEvidence,
		},
		CreatedAt: now,
	}
	err := e.store.Create(ctx, tx, []Event{event})
	e.metrics.ObserveOperation("create", err)
	if err != nil {
		return nil, err
	}
	e.metrics.AddLocked(uint64(tx.Locked))
	e.log.Infow("transaction created", "transaction_id", tx.ID, "party_a", tx.PartyA, "party_b", tx.PartyB, "amount", tx.Locked)
	return tx.Clone(), nil
}

// Pay releases amount of the balance to party B. Only party A may pay.
func (e *Engine) Pay(ctx context.Context, id string, caller ledger.Address, amount ledger.Amount) (*Transaction, error) {
	return e.release(ctx, id, caller, amount, ledger.SideA, EventPayment, "payment")
}

// Reimburse returns amount of the balance to party A. Only party B may
// reimburse.
func (e *Engine) Reimburse(ctx context.Context, id string, caller ledger.Address, amount ledger.Amount) (*Transaction, error) {
	return e.release(ctx, id, caller, amount, ledger.SideB, EventReimbursement, "reimbursement")
}

func (e *Engine) release(ctx context.Context, id string, caller ledger.Address, amount ledger.Amount, from ledger.Side, typ EventType, reason string) (*Transaction, error) {
	return e.Mutate(ctx, id, reason, func(u *Unit) error {
		tx := u.Tx
		if caller != tx.Party(from) {
			return fmt.Errorf("escrow: %s: %w", reason, ErrUnauthorized)
		}
		if tx.Status != StatusNoDispute {
			return fmt.Errorf("escrow: %s in %s: %w", reason, tx.Status, ErrInvalidState)
		}
		if amount == 0 {
			return fmt.Errorf("escrow: %s: %w", reason, ErrInsufficientPayment)
		}
		if amount > tx.Balance {
			return fmt.Errorf("escrow: %s of %s exceeds balance %s: %w", reason, amount, tx.Balance, ErrInsufficientBalance)
		}
		tx.Balance -= amount
		tx.LastInteraction = u.Now
		if tx.Balance == 0 {
			tx.Status = StatusResolved
		}
		to := tx.Party(from.Opposite())
		u.Emit(typ, caller, map[string]any{"to": string(to), "amount": amount.String()})
		return u.Pay(to, amount, reason, restoreBalance(amount))
	})
}

// restoreBalance undoes a balance release whose transfer failed.
func restoreBalance(amount ledger.Amount) func(tx *Transaction) error {
	return func(tx *Transaction) error {
		balance, err := tx.Balance.Add(amount)
		if err != nil {
			return err
		}
		tx.Balance = balance
		if tx.Status == StatusResolved {
			tx.Status = StatusNoDispute
		}
		return nil
	}
}

// ExecuteTransaction pays the whole balance to party B once the payment
// timeout elapsed without a dispute.
func (e *Engine) ExecuteTransaction(ctx context.Context, id string) (*Transaction, error) {
	return e.Mutate(ctx, id, "execute", func(u *Unit) error {
		tx := u.Tx
		if tx.Status != StatusNoDispute {
			return fmt.Errorf("escrow: execute in %s: %w", tx.Status, ErrInvalidState)
		}
		if u.Now.Sub(tx.LastInteraction) < tx.PaymentTimeout {
			return fmt.Errorf("escrow: execute: payment timeout not elapsed: %w", ErrInvalidState)
		}
		amount := tx.Balance
		tx.Balance = 0
		tx.Status = StatusResolved
		u.Emit(EventExecuted, "", map[string]any{"to": string(tx.PartyB), "amount": amount.String()})
		return u.Pay(tx.PartyB, amount, "execution", restoreBalance(amount))
	})
}

// PayArbitrationFee deposits value towards side's arbitration fee. The
// held fee is topped up to the arbitrator's current quote and any excess
// refunded. Once both sides hold the quote the fee is committed as paid
// and the dispute is created at the arbitrator after commit.
func (e *Engine) PayArbitrationFee(ctx context.Context, id string, caller ledger.Address, side ledger.Side, value ledger.Amount) (*Transaction, error) {
	return e.Mutate(ctx, id, "pay_arbitration_fee", func(u *Unit) error {
		tx := u.Tx
		if !side.Valid() {
			return fmt.Errorf("escrow: pay fee: %w: %w", ErrInvalidState, ledger.ErrInvalidSide)
		}
		if caller != tx.Party(side) {
			return fmt.Errorf("escrow: pay fee for side %s: %w", side, ErrUnauthorized)
		}
		if tx.Status != StatusNoDispute && tx.Status != WaitingFor(side) {
			return fmt.Errorf("escrow: pay fee for side %s in %s: %w", side, tx.Status, ErrInvalidState)
		}
		cost, err := e.arbitrator.ArbitrationCost(ctx, e.cfg.ExtraData)
		if err != nil {
			return fmt.Errorf("escrow: arbitration cost: %w", err)
		}
		prev := tx.Fee(side)
		held, err := prev.Add(value)
		if err != nil {
			return err
		}
		if held < cost {
			return fmt.Errorf("escrow: fee %s below arbitration cost %s: %w", held, cost, ErrInsufficientPayment)
		}
		if err := u.Receive(value); err != nil {
			return err
		}
		tx.setFee(side, cost)
		tx.LastInteraction = u.Now
		u.Emit(EventFeePaid, caller, map[string]any{"side": side.String(), "value": value.String(), "cost": cost.String()})
		if err := u.Pay(caller, held-cost, "fee_refund", nil); err != nil {
			return err
		}

		other := side.Opposite()
		if tx.Fee(other) < cost {
			tx.Status = WaitingFor(other)
			u.Emit(EventHasToPayFee, "", map[string]any{"side": other.String(), "cost": cost.String()})
			return nil
		}
		var kept ledger.Amount
		if cost > prev {
			kept = cost - prev
		}
		return e.raiseDispute(u, cost, Pending{Side: side, Payer: caller, Kept: kept})
	})
}

// raiseDispute caps both held fees at cost and commits the dispute
// creation as a pending arbitrator call. The dispute exists once the
// arbitrator accepts the call.
func (e *Engine) raiseDispute(u *Unit, cost ledger.Amount, trigger Pending) error {
	tx := u.Tx
	for _, side := range []ledger.Side{ledger.SideA, ledger.SideB} {
		held := tx.Fee(side)
		if held > cost {
			tx.setFee(side, cost)
			if err := u.Pay(tx.Party(side), held-cost, "fee_refund", nil); err != nil {
				return err
			}
		}
	}
	tx.ArbitrationPaid = cost
	trigger.Kind = PendingDispute
	trigger.Key = disputeCallKey(tx.ID)
	trigger.Fee = cost
	return u.CallArbitrator(trigger)
}

// TimeOut lets side win by default when the other side failed to pay its
// arbitration fee within the fee timeout.
func (e *Engine) TimeOut(ctx context.Context, id string, side ledger.Side) (*Transaction, error) {
	return e.Mutate(ctx, id, "timeout", func(u *Unit) error {
		tx := u.Tx
		if !side.Valid() {
			return fmt.Errorf("escrow: timeout: %w: %w", ErrInvalidState, ledger.ErrInvalidSide)
		}
		other := side.Opposite()
		if tx.Status != WaitingFor(other) {
			return fmt.Errorf("escrow: timeout for side %s in %s: %w", side, tx.Status, ErrInvalidState)
		}
		if u.Now.Sub(tx.LastInteraction) < tx.FeeTimeout {
			return fmt.Errorf("escrow: timeout: fee timeout not elapsed: %w", ErrInvalidState)
		}
		award, err := tx.Balance.Add(tx.Fee(side))
		if err != nil {
			return err
		}
		refund := tx.Fee(other)
		tx.Balance, tx.FeeA, tx.FeeB = 0, 0, 0
		tx.Status = StatusResolved
		u.Emit(EventTimedOut, tx.Party(side), map[string]any{
			"winner": side.String(),
			"award":  award.String(),
			"refund": refund.String(),
		})
		if err := u.Pay(tx.Party(other), refund, "fee_refund", nil); err != nil {
			return err
		}
		return u.Pay(tx.Party(side), award, "timeout", nil)
	})
}

// RuleOnDispute is called by the arbitrator with its final ruling. The
// ruling is subject to the appeal override and the disputed value is
// distributed to the parties.
func (e *Engine) RuleOnDispute(ctx context.Context, disputeID ledger.DisputeID, caller ledger.Address, ruling arbitrator.Ruling) error {
	if caller != e.cfg.ArbitratorIdentity {
		e.metrics.ObserveOperation("rule", ErrUnauthorized)
		return fmt.Errorf("escrow: rule from %s: %w", caller, ErrUnauthorized)
	}
	id, err := e.store.FindByDispute(ctx, disputeID)
	if err != nil {
		e.metrics.ObserveOperation("rule", err)
		return err
	}
	var final arbitrator.Ruling
	_, err = e.Mutate(ctx, id, "rule", func(u *Unit) error {
		tx := u.Tx
		if tx.Dispute == nil {
			return fmt.Errorf("escrow: dispute %d: %w", disputeID, ErrNotFound)
		}
		if tx.Dispute.Resolved() {
			return fmt.Errorf("escrow: dispute %d: %w", disputeID, dispute.ErrAlreadyResolved)
		}
		if tx.Status != StatusDisputeCreated {
			return fmt.Errorf("escrow: rule in %s: %w", tx.Status, ErrInvalidState)
		}
		last, err := tx.Rounds.Current(disputeID)
		if err != nil {
			last = nil
		}
		final, err = tx.Dispute.Resolve(ruling, last, tx.Rounds.Count(disputeID), u.Now)
		if err != nil {
			if errors.Is(err, dispute.ErrInvalidRuling) {
				return fmt.Errorf("%w: %w", ErrInvalidState, err)
			}
			return err
		}
		pool, err := ledger.Sum(tx.Balance, tx.FeeA, tx.FeeB)
		if err != nil {
			return err
		}
		if pool, err = pool.Sub(tx.ArbitrationPaid); err != nil {
			return err
		}
		payout, err := dispute.Distribute(pool, final)
		if err != nil {
			return err
		}
		tx.Balance, tx.FeeA, tx.FeeB = 0, 0, 0
		tx.Status = StatusResolved
		tx.LastInteraction = u.Now
		u.Emit(EventRuling, caller, map[string]any{
			"dispute_id":   uint64(disputeID),
			"raw_ruling":   uint(ruling),
			"final_ruling": uint(final),
			"payout_a":     payout.A.String(),
			"payout_b":     payout.B.String(),
		})
		if err := u.Pay(tx.PartyA, payout.A, "ruling", nil); err != nil {
			return err
		}
		return u.Pay(tx.PartyB, payout.B, "ruling", nil)
	})
	if err != nil {
		return err
	}
	e.metrics.IncResolved(final.Side().String())
	e.log.Infow("dispute resolved", "transaction_id", id, "dispute_id", disputeID, "raw_ruling", ruling, "final_ruling", final)
	return nil
}

// FundAppeal contributes value towards side's appeal stake in the current
// round. When both sides are funded the appeal fee is committed as paid,
// the arbitrator is called after commit and a new round opens once it
// accepts.
func (e *Engine) FundAppeal(ctx context.Context, id string, contributor ledger.Address, side ledger.Side, value ledger.Amount) (*Transaction, error) {
	return e.Mutate(ctx, id, "fund_appeal", func(u *Unit) error {
		tx := u.Tx
		if !side.Valid() {
			return fmt.Errorf("escrow: fund appeal: %w: %w", ErrInvalidState, ledger.ErrInvalidSide)
		}
		if tx.Status != StatusDisputeCreated || tx.Dispute == nil {
			return fmt.Errorf("escrow: fund appeal in %s: %w", tx.Status, ErrInvalidState)
		}
		if value == 0 {
			return fmt.Errorf("escrow: fund appeal: %w", ErrInsufficientPayment)
		}
		disputeID := tx.Dispute.ID

		start, end, err := e.arbitrator.AppealPeriod(ctx, disputeID)
		if err != nil {
			return fmt.Errorf("escrow: appeal period: %w", err)
		}
		current, err := e.arbitrator.CurrentRuling(ctx, disputeID)
		if err != nil {
			return fmt.Errorf("escrow: current ruling: %w", err)
		}
		winner := current.Side()
		window := appeal.Window{Start: start, End: end}
		if !window.CanFund(side, winner, u.Now) {
			return fmt.Errorf("escrow: fund appeal for side %s: %w: %w", side, ErrInvalidState, appeal.ErrWindowClosed)
		}
		cost, err := e.arbitrator.AppealCost(ctx, disputeID, e.cfg.ExtraData)
		if err != nil {
			if errors.Is(err, arbitrator.ErrNotAppealable) {
				return fmt.Errorf("escrow: appeal cost: %w: %w", ErrInvalidState, err)
			}
			return fmt.Errorf("escrow: appeal cost: %w", err)
		}
		required, err := e.appeals.Multipliers.Required(cost, side, winner)
		if err != nil {
			return fmt.Errorf("escrow: required stake: %w", err)
		}

		round, err := tx.Rounds.Current(disputeID)
		if err != nil {
			return err
		}
		key := round.Key
		c, err := e.appeals.Fund(tx.Rounds, key, side, contributor, value, required)
		switch {
		case errors.Is(err, appeal.ErrAlreadyFunded):
			return fmt.Errorf("escrow: fund appeal: %w: %w", ErrInvalidState, err)
		case err != nil:
			return fmt.Errorf("escrow: fund appeal: %w", err)
		}
		if err := u.Receive(value); err != nil {
			return err
		}
		tx.LastInteraction = u.Now
		u.Emit(EventAppealContribution, contributor, map[string]any{
			"round":    key.Number,
			"side":     side.String(),
			"value":    value.String(),
			"recorded": c.Recorded.String(),
			"required": required.String(),
		})
		if err := u.Pay(contributor, c.Refund, "appeal_refund", nil); err != nil {
			return err
		}
		if c.Completed {
			u.Emit(EventSideFunded, "", map[string]any{"round": key.Number, "side": side.String(), "paid": round.Paid[side].String()})
		}
		if !round.FullyFunded() {
			return nil
		}

		if round.RewardPool < cost {
			return fmt.Errorf("escrow: reward pool %s below appeal cost %s: %w", round.RewardPool, cost, ErrInsufficientPayment)
		}
		return u.CallArbitrator(Pending{
			Kind:  PendingAppeal,
			Key:   appealCallKey(tx.ID, key.Number),
			Fee:   cost,
			Round: key,
			Side:  side,
			Payer: contributor,
			Kept:  c.Recorded,
		})
	})
}

// SubmitEvidence appends an evidence reference from a party.
func (e *Engine) SubmitEvidence(ctx context.Context, id string, caller ledger.Address, uri string) (*Transaction, error) {
	return e.Mutate(ctx, id, "evidence", func(u *Unit) error {
		tx := u.Tx
		if tx.SideOf(caller) == ledger.SideNone {
			return fmt.Errorf("escrow: evidence: %w", ErrUnauthorized)
		}
		if tx.Status == StatusResolved {
			return fmt.Errorf("escrow: evidence after resolution: %w", ErrInvalidState)
		}
		if uri == "" {
			return fmt.Errorf("escrow: evidence: empty uri")
		}
		u.Emit(EventEvidence, caller, map[string]any{"uri": uri, "dispute_id": uint64(tx.DisputeID())})
		return nil
	})
}

// ClaimUnclaimed retries payouts to caller whose transfer failed.
func (e *Engine) ClaimUnclaimed(ctx context.Context, id string, caller ledger.Address) (ledger.Amount, error) {
	var amount ledger.Amount
	_, err := e.Mutate(ctx, id, "claim_unclaimed", func(u *Unit) error {
		amount = u.Tx.Unclaimed[caller]
		if amount == 0 {
			return fmt.Errorf("escrow: nothing unclaimed for %s: %w", caller, ErrInsufficientBalance)
		}
		delete(u.Tx.Unclaimed, caller)
		u.Emit(EventUnclaimedPaid, caller, map[string]any{"amount": amount.String()})
		return u.Pay(caller, amount, "unclaimed", func(tx *Transaction) error {
			if tx.Unclaimed == nil {
				tx.Unclaimed = make(map[ledger.Address]ledger.Amount)
			}
			owed, err := tx.Unclaimed[caller].Add(amount)
			if err != nil {
				return err
			}
			tx.Unclaimed[caller] = owed
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}
