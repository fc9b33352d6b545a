package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitrator"
	"escrowflow/dispute"
	"escrowflow/ledger"
)

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Pool = (*pgxpool.Pool)(nil)

// PGStore persists transactions in normalized tables. Every unit runs in a
// single database transaction holding the row lock of the escrow, and
// writes its timeline events and outbox messages in that same transaction.
type PGStore struct {
	pool     Pool
	disputes *dispute.Repository
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool Pool) *PGStore {
	return &PGStore{pool: pool, disputes: dispute.NewRepository(pool)}
}

const selectTransaction = `
	SELECT id::text, party_a, party_b, locked, balance, fee_a, fee_b, arbitration_paid,
	       status::text, created_at, last_interaction, payment_timeout_ms, fee_timeout_ms,
	       meta_evidence, unclaimed, pending, value_in, value_out, version
	FROM escrow_transactions
	WHERE id = $1
`

func (s *PGStore) Create(ctx context.Context, t *Transaction, events []Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv := &amounts{}
	unclaimed, err := json.Marshal(t.Unclaimed)
	if err != nil {
		return fmt.Errorf("escrow: encode unclaimed: %w", err)
	}
	pending, err := encodePending(t.Pending)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_transactions (
			id, party_a, party_b, locked, balance, fee_a, fee_b, arbitration_paid,
			status, created_at, last_interaction, payment_timeout_ms, fee_timeout_ms,
			meta_evidence, unclaimed, pending, value_in, value_out, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::escrow_status,$10,$11,$12,$13,$14,$15::jsonb,$16::jsonb,$17,$18,$19)
	`, t.ID, string(t.PartyA), string(t.PartyB), conv.of(t.Locked), conv.of(t.Balance), conv.of(t.FeeA), conv.of(t.FeeB),
		conv.of(t.ArbitrationPaid), string(t.Status), t.CreatedAt, t.LastInteraction, t.PaymentTimeout.Milliseconds(),
		t.FeeTimeout.Milliseconds(), t.MetaEvidence, string(unclaimed), pending, conv.of(t.In), conv.of(t.Out), t.Version)
	if conv.err != nil {
		return conv.err
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("escrow: transaction %s already exists", t.ID)
		}
		return fmt.Errorf("escrow: insert transaction: %w", err)
	}
	if err := appendEvents(ctx, tx, t.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit create: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	t, err := loadTransaction(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	return t, tx.Commit(ctx)
}

func (s *PGStore) Update(ctx context.Context, id string, fn func(t *Transaction) ([]Event, error)) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := loadTransaction(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	events, err := fn(t)
	if err != nil {
		return nil, err
	}
	t.Version++
	if err := saveTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := appendEvents(ctx, tx, id, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: commit update: %w", err)
	}
	return t.Clone(), nil
}

func (s *PGStore) FindByDispute(ctx context.Context, disputeID ledger.DisputeID) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT transaction_id::text FROM disputes WHERE id = $1`, int64(disputeID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("escrow: dispute %d: %w", disputeID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("escrow: find dispute: %w", err)
	}
	return id, nil
}

func (s *PGStore) Events(ctx context.Context, id string) ([]Event, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("escrow: events: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("escrow: transaction %s: %w", id, ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, actor, payload, created_at
		FROM timeline_events
		WHERE transaction_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			ev      Event
			typ     string
			actor   string
			payload []byte
		)
		if err := rows.Scan(&ev.Seq, &typ, &actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		ev.TransactionID = id
		ev.Type = EventType(typ)
		ev.Actor = ledger.Address(actor)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("escrow: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return out, nil
}

func (s *PGStore) List(ctx context.Context, party ledger.Address, transactionID string) ([]dispute.Summary, error) {
	return s.disputes.List(ctx, party, transactionID)
}

func loadTransaction(ctx context.Context, tx pgx.Tx, id string, lock bool) (*Transaction, error) {
	query := selectTransaction
	if lock {
		query += " FOR UPDATE"
	}
	var (
		t                          Transaction
		partyA, partyB, status     string
		locked, balance, feeA      int64
		feeB, paid, valueIn, out   int64
		paymentTimeout, feeTimeout int64
		unclaimed, pending         []byte
	)
	err := tx.QueryRow(ctx, query, id).Scan(&t.ID, &partyA, &partyB, &locked, &balance, &feeA, &feeB, &paid,
		&status, &t.CreatedAt, &t.LastInteraction, &paymentTimeout, &feeTimeout,
		&t.MetaEvidence, &unclaimed, &pending, &valueIn, &out, &t.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow: transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: load transaction: %w", err)
	}
	t.PartyA, t.PartyB, t.Status = ledger.Address(partyA), ledger.Address(partyB), Status(status)
	t.Locked, t.Balance, t.FeeA, t.FeeB = ledger.Amount(locked), ledger.Amount(balance), ledger.Amount(feeA), ledger.Amount(feeB)
	t.ArbitrationPaid, t.In, t.Out = ledger.Amount(paid), ledger.Amount(valueIn), ledger.Amount(out)
	t.PaymentTimeout = time.Duration(paymentTimeout) * time.Millisecond
	t.FeeTimeout = time.Duration(feeTimeout) * time.Millisecond
	t.Unclaimed = make(map[ledger.Address]ledger.Amount)
	if len(unclaimed) > 0 {
		if err := json.Unmarshal(unclaimed, &t.Unclaimed); err != nil {
			return nil, fmt.Errorf("escrow: decode unclaimed: %w", err)
		}
	}
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &t.Pending); err != nil {
			return nil, fmt.Errorf("escrow: decode pending call: %w", err)
		}
	}
	t.Rounds = ledger.NewBook()

	d, err := loadDispute(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return &t, nil
	}
	t.Dispute = d
	if err := loadRounds(ctx, tx, d.ID, t.Rounds); err != nil {
		return nil, err
	}
	return &t, nil
}

func loadDispute(ctx context.Context, tx pgx.Tx, transactionID string) (*dispute.Dispute, error) {
	var (
		d       dispute.Dispute
		id      int64
		choices int32
		rulings []int32
		ruling  int32
		status  string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, choices, rulings, ruling, status::text, round_count, created_at, resolved_at
		FROM disputes
		WHERE transaction_id = $1
	`, transactionID).Scan(&id, &choices, &rulings, &ruling, &status, &d.RoundCount, &d.CreatedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: load dispute: %w", err)
	}
	d.ID = ledger.DisputeID(id)
	d.TransactionID = transactionID
	d.Choices = uint(choices)
	d.Ruling = arbitrator.Ruling(ruling)
	d.Status = dispute.Status(status)
	for _, r := range rulings {
		d.Rulings = append(d.Rulings, arbitrator.Ruling(r))
	}
	return &d, nil
}

func loadRounds(ctx context.Context, tx pgx.Tx, disputeID ledger.DisputeID, book *ledger.Book) error {
	rows, err := tx.Query(ctx, `
		SELECT round, paid_a, paid_b, funded_a, funded_b, reward_pool, appealed
		FROM appeal_rounds
		WHERE dispute_id = $1
		ORDER BY round
	`, int64(disputeID))
	if err != nil {
		return fmt.Errorf("escrow: load rounds: %w", err)
	}
	rounds := make(map[int]*ledger.Round)
	for rows.Next() {
		var (
			number              int
			paidA, paidB, pool  int64
			fundedA, fundedB, a bool
		)
		if err := rows.Scan(&number, &paidA, &paidB, &fundedA, &fundedB, &pool, &a); err != nil {
			rows.Close()
			return fmt.Errorf("escrow: scan round: %w", err)
		}
		r := &ledger.Round{
			Key:           ledger.RoundKey{DisputeID: disputeID, Number: number},
			RewardPool:    ledger.Amount(pool),
			Appealed:      a,
			Contributions: make(map[ledger.Address][3]ledger.Amount),
			Withdrawn:     make(map[ledger.Address]bool),
		}
		r.Paid[ledger.SideA], r.Paid[ledger.SideB] = ledger.Amount(paidA), ledger.Amount(paidB)
		r.Funded[ledger.SideA], r.Funded[ledger.SideB] = fundedA, fundedB
		rounds[number] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("escrow: iterate rounds: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT round, contributor, side_a, side_b, withdrawn
		FROM appeal_contributions
		WHERE dispute_id = $1
	`, int64(disputeID))
	if err != nil {
		return fmt.Errorf("escrow: load contributions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			number       int
			contributor  string
			sideA, sideB int64
			withdrawn    bool
		)
		if err := rows.Scan(&number, &contributor, &sideA, &sideB, &withdrawn); err != nil {
			return fmt.Errorf("escrow: scan contribution: %w", err)
		}
		r, ok := rounds[number]
		if !ok {
			return fmt.Errorf("escrow: contribution for missing round %d/%d", disputeID, number)
		}
		var c [3]ledger.Amount
		c[ledger.SideA], c[ledger.SideB] = ledger.Amount(sideA), ledger.Amount(sideB)
		r.Contributions[ledger.Address(contributor)] = c
		if withdrawn {
			r.Withdrawn[ledger.Address(contributor)] = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("escrow: iterate contributions: %w", err)
	}
	for _, r := range rounds {
		book.Put(r)
	}
	return nil
}

func saveTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	conv := &amounts{}
	unclaimed, err := json.Marshal(t.Unclaimed)
	if err != nil {
		return fmt.Errorf("escrow: encode unclaimed: %w", err)
	}
	pending, err := encodePending(t.Pending)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET balance=$2, fee_a=$3, fee_b=$4, arbitration_paid=$5, status=$6::escrow_status,
		    last_interaction=$7, unclaimed=$8::jsonb, pending=$9::jsonb, value_in=$10, value_out=$11, version=$12
		WHERE id=$1
	`, t.ID, conv.of(t.Balance), conv.of(t.FeeA), conv.of(t.FeeB), conv.of(t.ArbitrationPaid), string(t.Status),
		t.LastInteraction, string(unclaimed), pending, conv.of(t.In), conv.of(t.Out), t.Version)
	if conv.err != nil {
		return conv.err
	}
	if err != nil {
		return fmt.Errorf("escrow: update transaction: %w", err)
	}
	if t.Dispute == nil {
		return nil
	}

	d := t.Dispute
	rulings := make([]int32, 0, len(d.Rulings))
	for _, r := range d.Rulings {
		rulings = append(rulings, int32(r))
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO disputes (id, transaction_id, choices, rulings, ruling, status, round_count, created_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6::dispute_status,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE
		SET rulings=EXCLUDED.rulings, ruling=EXCLUDED.ruling, status=EXCLUDED.status,
		    round_count=EXCLUDED.round_count, resolved_at=EXCLUDED.resolved_at
	`, int64(d.ID), t.ID, int32(d.Choices), rulings, int32(d.Ruling), string(d.Status), d.RoundCount, d.CreatedAt, d.ResolvedAt); err != nil {
		return fmt.Errorf("escrow: upsert dispute: %w", err)
	}

	for _, r := range t.Rounds.Rounds(d.ID) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO appeal_rounds (dispute_id, round, paid_a, paid_b, funded_a, funded_b, reward_pool, appealed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (dispute_id, round) DO UPDATE
			SET paid_a=EXCLUDED.paid_a, paid_b=EXCLUDED.paid_b, funded_a=EXCLUDED.funded_a,
			    funded_b=EXCLUDED.funded_b, reward_pool=EXCLUDED.reward_pool, appealed=EXCLUDED.appealed
		`, int64(d.ID), r.Key.Number, conv.of(r.Paid[ledger.SideA]), conv.of(r.Paid[ledger.SideB]),
			r.Funded[ledger.SideA], r.Funded[ledger.SideB], conv.of(r.RewardPool), r.Appealed); err != nil {
			return fmt.Errorf("escrow: upsert round %s: %w", r.Key, err)
		}
		for _, addr := range r.Contributors() {
			c := r.Contributions[addr]
			if _, err := tx.Exec(ctx, `
				INSERT INTO appeal_contributions (dispute_id, round, contributor, side_a, side_b, withdrawn)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (dispute_id, round, contributor) DO UPDATE
				SET side_a=EXCLUDED.side_a, side_b=EXCLUDED.side_b, withdrawn=EXCLUDED.withdrawn
			`, int64(d.ID), r.Key.Number, string(addr), conv.of(c[ledger.SideA]), conv.of(c[ledger.SideB]), r.Withdrawn[addr]); err != nil {
				return fmt.Errorf("escrow: upsert contribution: %w", err)
			}
		}
	}
	return conv.err
}

func appendEvents(ctx context.Context, tx pgx.Tx, id string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM timeline_events WHERE transaction_id = $1`, id).Scan(&seq); err != nil {
		return fmt.Errorf("escrow: next event seq: %w", err)
	}
	for _, ev := range events {
		seq++
		payload, err := toJSON(ev.Payload)
		if err != nil {
			return fmt.Errorf("escrow: encode %s payload: %w", ev.Type, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO timeline_events (transaction_id, seq, type, actor, payload, created_at)
			VALUES ($1,$2,$3,$4,$5::jsonb,$6)
		`, id, seq, string(ev.Type), string(ev.Actor), payload, ev.CreatedAt); err != nil {
			return fmt.Errorf("escrow: insert timeline: %w", err)
		}
		message := map[string]any{
			"transaction_id": id,
			"seq":            seq,
			"type":           string(ev.Type),
			"actor":          string(ev.Actor),
			"payload":        ev.Payload,
			"created_at":     ev.CreatedAt,
		}
		body, err := toJSON(message)
		if err != nil {
			return fmt.Errorf("escrow: encode %s message: %w", ev.Type, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (topic, payload)
			VALUES ($1,$2::jsonb)
		`, ev.Type.Topic(), body); err != nil {
			return fmt.Errorf("escrow: enqueue outbox: %w", err)
		}
	}
	return nil
}

func toJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodePending returns the pending call as JSON, or nil for SQL NULL.
func encodePending(p *Pending) (*string, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode pending call: %w", err)
	}
	out := string(b)
	return &out, nil
}

// amounts converts amounts to BIGINT, remembering the first out of range
// value.
type amounts struct {
	err error
}

func (c *amounts) of(a ledger.Amount) int64 {
	if a > math.MaxInt64 {
		if c.err == nil {
			c.err = fmt.Errorf("escrow: amount %s exceeds BIGINT: %w", a, ledger.ErrArithmeticOverflow)
		}
		return 0
	}
	return int64(a)
}
