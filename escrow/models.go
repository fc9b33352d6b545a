package escrow

import (
	"fmt"
	"time"

	"escrowflow/dispute"
	"escrowflow/ledger"
)

// Status represents the lifecycle of an escrow transaction.
type Status string

const (
	StatusNoDispute      Status = "no_dispute"
	StatusWaitingPartyA  Status = "waiting_party_a"
	StatusWaitingPartyB  Status = "waiting_party_b"
	StatusDisputeCreated Status = "dispute_created"
	StatusResolved       Status = "resolved"
)

// WaitingFor returns the status in which side owes the arbitration fee.
func WaitingFor(side ledger.Side) Status {
	if side == ledger.SideA {
		return StatusWaitingPartyA
	}
	return StatusWaitingPartyB
}

type PendingKind string

const (
	PendingDispute PendingKind = "create_dispute"
	PendingAppeal  PendingKind = "appeal"
)

// Pending is a fee payment to the arbitrator committed together with its
// debit but not yet acknowledged by the arbitrator. While it is set the
// transaction accepts no other operation. Payer and Kept identify the
// payment that triggered the call so it can be handed back when the
// arbitrator rejects it.
type Pending struct {
	Kind  PendingKind     `json:"kind"`
	Key   string          `json:"key"`
	Fee   ledger.Amount   `json:"fee"`
	Round ledger.RoundKey `json:"round"`
	Side  ledger.Side     `json:"side"`
	Payer ledger.Address  `json:"payer"`
	Kept  ledger.Amount   `json:"kept"`
}

func disputeCallKey(txID string) string {
	return txID + "/dispute"
}

func appealCallKey(txID string, round int) string {
	return fmt.Sprintf("%s/appeal/%d", txID, round)
}

// Transaction is a single escrow between party A (the depositor) and
// party B (the receiver).
type Transaction struct {
	ID              string                           `json:"id"`
	PartyA          ledger.Address                   `json:"party_a"`
	PartyB          ledger.Address                   `json:"party_b"`
	Locked          ledger.Amount                    `json:"locked"`
	Balance         ledger.Amount                    `json:"balance"`
	FeeA            ledger.Amount                    `json:"fee_a"`
	FeeB            ledger.Amount                    `json:"fee_b"`
	ArbitrationPaid ledger.Amount                    `json:"arbitration_paid"`
	Status          Status                           `json:"status"`
	CreatedAt       time.Time                        `json:"created_at"`
	LastInteraction time.Time                        `json:"last_interaction"`
	PaymentTimeout  time.Duration                    `json:"payment_timeout"`
	FeeTimeout      time.Duration                    `json:"fee_timeout"`
	MetaEvidence    string                           `json:"meta_evidence,omitempty"`
	Dispute         *dispute.Dispute                 `json:"dispute,omitempty"`
	Rounds          *ledger.Book                     `json:"rounds"`
	Unclaimed       map[ledger.Address]ledger.Amount `json:"unclaimed,omitempty"`
	Pending         *Pending                         `json:"pending,omitempty"`
	In              ledger.Amount                    `json:"value_in"`
	Out             ledger.Amount                    `json:"value_out"`
	Version         int64                            `json:"version"`
}

// Party returns the address standing for side.
func (t *Transaction) Party(side ledger.Side) ledger.Address {
	switch side {
	case ledger.SideA:
		return t.PartyA
	case ledger.SideB:
		return t.PartyB
	default:
		return ""
	}
}

// SideOf returns the side addr is party to, or SideNone.
func (t *Transaction) SideOf(addr ledger.Address) ledger.Side {
	switch addr {
	case t.PartyA:
		return ledger.SideA
	case t.PartyB:
		return ledger.SideB
	default:
		return ledger.SideNone
	}
}

// Fee returns the arbitration fee held for side.
func (t *Transaction) Fee(side ledger.Side) ledger.Amount {
	if side == ledger.SideA {
		return t.FeeA
	}
	return t.FeeB
}

func (t *Transaction) setFee(side ledger.Side, v ledger.Amount) {
	if side == ledger.SideA {
		t.FeeA = v
		return
	}
	t.FeeB = v
}

// DisputeID returns the arbitrator's dispute id, or 0 before a dispute.
func (t *Transaction) DisputeID() ledger.DisputeID {
	if t.Dispute == nil {
		return 0
	}
	return t.Dispute.ID
}

// Clone returns a deep copy sharing no maps with t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Dispute = t.Dispute.Clone()
	if t.Pending != nil {
		p := *t.Pending
		c.Pending = &p
	}
	if t.Rounds != nil {
		c.Rounds = t.Rounds.Clone()
	} else {
		c.Rounds = ledger.NewBook()
	}
	c.Unclaimed = make(map[ledger.Address]ledger.Amount, len(t.Unclaimed))
	for k, v := range t.Unclaimed {
		c.Unclaimed[k] = v
	}
	return &c
}

// Check verifies the value invariants of the transaction.
func (t *Transaction) Check() error {
	if t.Out > t.In {
		return fmt.Errorf("%w: transaction %s out %s in %s", ErrValueInvariant, t.ID, t.Out, t.In)
	}
	if t.Rounds != nil {
		if err := t.Rounds.Check(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) credit(v ledger.Amount) error {
	in, err := t.In.Add(v)
	if err != nil {
		return err
	}
	t.In = in
	return nil
}

// Held returns the value still inside the escrow for this transaction.
func (t *Transaction) Held() ledger.Amount {
	return t.In - t.Out
}
