package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"escrowflow/dispute"
	"escrowflow/ledger"
)

// MemoryStore keeps transactions in process. Each transaction has its own
// lock so units on different transactions run concurrently.
type MemoryStore struct {
	mu       sync.Mutex
	txs      map[string]*Transaction
	locks    map[string]*sync.Mutex
	events   map[string][]Event
	disputes map[ledger.DisputeID]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		locks:    make(map[string]*sync.Mutex),
		events:   make(map[string][]Event),
		disputes: make(map[ledger.DisputeID]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, tx *Transaction, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("escrow: transaction %s already exists", tx.ID)
	}
	s.txs[tx.ID] = tx.Clone()
	s.locks[tx.ID] = &sync.Mutex{}
	s.appendEvents(tx.ID, events)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("escrow: transaction %s: %w", id, ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(tx *Transaction) ([]Event, error)) (*Transaction, error) {
	s.mu.Lock()
	lock, ok := s.locks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("escrow: transaction %s: %w", id, ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	work := s.txs[id].Clone()
	s.mu.Unlock()

	events, err := fn(work)
	if err != nil {
		return nil, err
	}
	work.Version++

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[id] = work
	if work.Dispute != nil {
		s.disputes[work.Dispute.ID] = id
	}
	s.appendEvents(id, events)
	return work.Clone(), nil
}

func (s *MemoryStore) appendEvents(id string, events []Event) {
	seq := len(s.events[id])
	for _, ev := range events {
		seq++
		ev.TransactionID = id
		ev.Seq = seq
		s.events[id] = append(s.events[id], ev)
	}
}

func (s *MemoryStore) FindByDispute(_ context.Context, disputeID ledger.DisputeID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.disputes[disputeID]
	if !ok {
		return "", fmt.Errorf("escrow: dispute %d: %w", disputeID, ErrNotFound)
	}
	return id, nil
}

func (s *MemoryStore) Events(_ context.Context, id string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[id]; !ok {
		return nil, fmt.Errorf("escrow: transaction %s: %w", id, ErrNotFound)
	}
	return append([]Event(nil), s.events[id]...), nil
}

func (s *MemoryStore) List(_ context.Context, party ledger.Address, transactionID string) ([]dispute.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispute.Summary, 0, 8)
	for _, tx := range s.txs {
		if tx.Dispute == nil || tx.SideOf(party) == ledger.SideNone {
			continue
		}
		if transactionID != "" && tx.ID != transactionID {
			continue
		}
		out = append(out, summarize(tx))
	}
	sortSummaries(out)
	return out, nil
}

func summarize(tx *Transaction) dispute.Summary {
	d := tx.Dispute
	return dispute.Summary{
		ID:            d.ID,
		TransactionID: tx.ID,
		Status:        d.Status,
		Ruling:        d.Ruling,
		RoundCount:    d.RoundCount,
		CreatedAt:     d.CreatedAt,
		ResolvedAt:    d.ResolvedAt,
	}
}

func sortSummaries(out []dispute.Summary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}
