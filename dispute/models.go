package dispute

import (
	"time"

	"escrowflow/arbitrator"
	"escrowflow/ledger"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Choices is the number of non-refusal rulings an escrow dispute offers.
const Choices = 2

// Dispute mirrors the disputes table.
type Dispute struct {
	ID            ledger.DisputeID    `json:"id"`
	TransactionID string              `json:"transaction_id"`
	Choices       uint                `json:"choices"`
	Rulings       []arbitrator.Ruling `json:"rulings"`
	Ruling        arbitrator.Ruling   `json:"ruling"`
	Status        Status              `json:"status"`
	RoundCount    int                 `json:"round_count"`
	CreatedAt     time.Time           `json:"created_at"`
	ResolvedAt    *time.Time          `json:"resolved_at,omitempty"`
}

func New(id ledger.DisputeID, transactionID string, now time.Time) *Dispute {
	return &Dispute{
		ID:            id,
		TransactionID: transactionID,
		Choices:       Choices,
		Status:        StatusUnderReview,
		RoundCount:    1,
		CreatedAt:     now,
	}
}

func (d *Dispute) Resolved() bool {
	return d.Status == StatusResolved
}

func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	c := *d
	c.Rulings = append([]arbitrator.Ruling(nil), d.Rulings...)
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// Summary is a row of a party's dispute listing.
type Summary struct {
	ID            ledger.DisputeID  `json:"id"`
	TransactionID string            `json:"transaction_id"`
	Status        Status            `json:"status"`
	Ruling        arbitrator.Ruling `json:"ruling"`
	RoundCount    int               `json:"round_count"`
	CreatedAt     time.Time         `json:"created_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
}
