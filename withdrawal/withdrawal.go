// Package withdrawal pays appeal contributors their refunds and rewards
// once a dispute has been resolved.
package withdrawal

import (
	"context"
	"fmt"

	"escrowflow/arbitrator"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

// RoundReward returns what contributor is owed for a round. A round not
// funded by both sides refunds every contribution. Otherwise the reward
// pool is shared pro rata among the winning side's contributors, or among
// all contributors when the arbitrator refused to rule.
func RoundReward(round *ledger.Round, ruling arbitrator.Ruling, contributor ledger.Address) (ledger.Amount, error) {
	c := round.Contributions[contributor]
	if !round.FullyFunded() {
		return c[ledger.SideA].Add(c[ledger.SideB])
	}
	winner := ruling.Side()
	if winner == ledger.SideNone {
		total, err := round.Paid[ledger.SideA].Add(round.Paid[ledger.SideB])
		if err != nil || total == 0 {
			return 0, err
		}
		share, err := c[ledger.SideA].Add(c[ledger.SideB])
		if err != nil {
			return 0, err
		}
		return share.MulDiv(round.RewardPool, total)
	}
	if round.Paid[winner] == 0 {
		return 0, nil
	}
	return c[winner].MulDiv(round.RewardPool, round.Paid[winner])
}

type Service struct {
	engine *escrow.Engine
}

func NewService(engine *escrow.Engine) *Service {
	return &Service{engine: engine}
}

// AmountWithdrawable returns the total contributor can still withdraw
// across every round. It is zero until the transaction is resolved.
func (s *Service) AmountWithdrawable(ctx context.Context, id string, contributor ledger.Address) (ledger.Amount, error) {
	tx, err := s.engine.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if tx.Status != escrow.StatusResolved || tx.Dispute == nil || !tx.Dispute.Resolved() {
		return 0, nil
	}
	var total ledger.Amount
	for _, round := range tx.Rounds.Rounds(tx.Dispute.ID) {
		if round.Withdrawn[contributor] {
			continue
		}
		reward, err := RoundReward(round, tx.Dispute.Ruling, contributor)
		if err != nil {
			return 0, err
		}
		if total, err = total.Add(reward); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Withdraw pays contributor's reward for one round. Withdrawing an already
// withdrawn round pays nothing.
func (s *Service) Withdraw(ctx context.Context, id string, contributor ledger.Address, round int) (ledger.Amount, error) {
	return s.withdraw(ctx, id, contributor, round, round, false)
}

// BatchWithdraw pays contributor's rewards for rounds from..to in one
// transfer. to is clamped to the last round.
func (s *Service) BatchWithdraw(ctx context.Context, id string, contributor ledger.Address, from, to int) (ledger.Amount, error) {
	return s.withdraw(ctx, id, contributor, from, to, true)
}

func (s *Service) withdraw(ctx context.Context, id string, contributor ledger.Address, from, to int, clamp bool) (ledger.Amount, error) {
	var paid ledger.Amount
	_, err := s.engine.Mutate(ctx, id, "withdraw", func(u *escrow.Unit) error {
		tx := u.Tx
		if tx.Status != escrow.StatusResolved || tx.Dispute == nil || !tx.Dispute.Resolved() {
			return fmt.Errorf("withdrawal: transaction %s in %s: %w", id, tx.Status, escrow.ErrInvalidState)
		}
		disputeID := tx.Dispute.ID
		last := tx.Rounds.Count(disputeID) - 1
		if clamp && to > last {
			to = last
		}
		if from < 0 || from > to || to > last {
			return fmt.Errorf("withdrawal: rounds %d..%d of %d: %w", from, to, last+1, ledger.ErrInvalidRound)
		}

		var keys []ledger.RoundKey
		for n := from; n <= to; n++ {
			key := ledger.RoundKey{DisputeID: disputeID, Number: n}
			round, err := tx.Rounds.Round(key)
			if err != nil {
				return err
			}
			if round.Withdrawn[contributor] {
				continue
			}
			if _, ok := round.Contributions[contributor]; !ok {
				continue
			}
			reward, err := RoundReward(round, tx.Dispute.Ruling, contributor)
			if err != nil {
				return err
			}
			if paid, err = paid.Add(reward); err != nil {
				return err
			}
			round.Withdrawn[contributor] = true
			keys = append(keys, key)
		}
		if paid == 0 {
			return nil
		}
		u.Emit(escrow.EventWithdrawal, contributor, map[string]any{
			"from":   from,
			"to":     to,
			"amount": paid.String(),
		})
		return u.Pay(contributor, paid, "withdrawal", unmarkWithdrawn(keys, contributor))
	})
	if err != nil {
		return 0, err
	}
	return paid, nil
}

func unmarkWithdrawn(keys []ledger.RoundKey, contributor ledger.Address) func(tx *escrow.Transaction) error {
	return func(tx *escrow.Transaction) error {
		for _, key := range keys {
			round, err := tx.Rounds.Round(key)
			if err != nil {
				return err
			}
			delete(round.Withdrawn, contributor)
		}
		return nil
	}
}
