package escrow

import (
	"strings"
	"time"

	"escrowflow/ledger"
)

type EventType string

const (
	EventTransactionCreated EventType = "TRANSACTION_CREATED"
	EventPayment            EventType = "PAYMENT"
	EventReimbursement      EventType = "REIMBURSEMENT"
	EventExecuted           EventType = "EXECUTED"
	EventFeePaid            EventType = "FEE_PAID"
	EventHasToPayFee        EventType = "HAS_TO_PAY_FEE"
	EventDisputeCreated     EventType = "DISPUTE_CREATED"
	EventTimedOut           EventType = "TIMED_OUT"
	EventAppealContribution EventType = "APPEAL_CONTRIBUTION"
	EventSideFunded         EventType = "SIDE_FUNDED"
	EventAppealRaised       EventType = "APPEAL_RAISED"
	EventRuling             EventType = "RULING"
	EventEvidence           EventType = "EVIDENCE"
	EventWithdrawal         EventType = "WITHDRAWAL"
	EventTransferReversed   EventType = "TRANSFER_REVERSED"
	EventUnclaimedPaid      EventType = "UNCLAIMED_PAID"
	EventArbitratorRejected EventType = "ARBITRATOR_REJECTED"
)

// Topic is the outbox topic the event is published on.
func (t EventType) Topic() string {
	return "escrow." + strings.ToLower(string(t))
}

// Event is an immutable business event of a transaction.
type Event struct {
	TransactionID string         `json:"transaction_id"`
	Seq           int            `json:"seq"`
	Type          EventType      `json:"type"`
	Actor         ledger.Address `json:"actor,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
