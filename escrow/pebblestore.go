package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"escrowflow/dispute"
	"escrowflow/ledger"
)

const (
	txPrefix      = "tx/"
	eventPrefix   = "ev/"
	disputePrefix = "dispute/"
)

// PebbleStore is an embedded single-node store. Transactions are stored
// as JSON snapshots and events under a per-transaction sequence. Units on
// one transaction are serialized by that transaction's lock; units on
// different transactions run concurrently.
type PebbleStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	db    *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

func NewPebbleStore(storeDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "escrowflow-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}
	return &PebbleStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// lock returns the lock of transaction id, creating it on first use.
func (s *PebbleStore) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func txKey(id string) []byte {
	return []byte(txPrefix + id)
}

func eventKey(id string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", eventPrefix, id, seq))
}

func disputeKey(id ledger.DisputeID) []byte {
	return []byte(fmt.Sprintf("%s%020d", disputePrefix, id))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) load(id string) (*Transaction, error) {
	value, closer, err := s.db.Get(txKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("escrow: transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	defer closer.Close()

	var tx Transaction
	if err := json.Unmarshal(value, &tx); err != nil {
		return nil, fmt.Errorf("decoding transaction %s: %w", id, err)
	}
	if tx.Rounds == nil {
		tx.Rounds = ledger.NewBook()
	}
	if tx.Unclaimed == nil {
		tx.Unclaimed = make(map[ledger.Address]ledger.Amount)
	}
	return &tx, nil
}

func (s *PebbleStore) eventCount(id string) (int, error) {
	prefix := []byte(eventPrefix + id + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("creating iterator: %w", err)
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}

func (s *PebbleStore) write(tx *Transaction, events []Event, seq int) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	value, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encoding transaction %s: %w", tx.ID, err)
	}
	if err := batch.Set(txKey(tx.ID), value, nil); err != nil {
		return err
	}
	if tx.Dispute != nil {
		if err := batch.Set(disputeKey(tx.Dispute.ID), []byte(tx.ID), nil); err != nil {
			return err
		}
	}
	for _, ev := range events {
		seq++
		ev.TransactionID = tx.ID
		ev.Seq = seq
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		if err := batch.Set(eventKey(tx.ID, seq), b, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) Create(_ context.Context, tx *Transaction, events []Event) error {
	l := s.lock(tx.ID)
	l.Lock()
	defer l.Unlock()
	if _, err := s.load(tx.ID); err == nil {
		return fmt.Errorf("escrow: transaction %s already exists", tx.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.write(tx, events, 0)
}

func (s *PebbleStore) Get(_ context.Context, id string) (*Transaction, error) {
	return s.load(id)
}

func (s *PebbleStore) Update(_ context.Context, id string, fn func(tx *Transaction) ([]Event, error)) (*Transaction, error) {
	if _, err := s.load(id); err != nil {
		return nil, err
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	tx, err := s.load(id)
	if err != nil {
		return nil, err
	}
	events, err := fn(tx)
	if err != nil {
		return nil, err
	}
	tx.Version++
	seq, err := s.eventCount(id)
	if err != nil {
		return nil, err
	}
	if err := s.write(tx, events, seq); err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

func (s *PebbleStore) FindByDispute(_ context.Context, disputeID ledger.DisputeID) (string, error) {
	value, closer, err := s.db.Get(disputeKey(disputeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", fmt.Errorf("escrow: dispute %d: %w", disputeID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting dispute index: %w", err)
	}
	defer closer.Close()
	return string(value), nil
}

func (s *PebbleStore) Events(_ context.Context, id string) ([]Event, error) {
	if _, err := s.load(id); err != nil {
		return nil, err
	}
	prefix := []byte(eventPrefix + id + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("creating iterator: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("getting value from iter: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *PebbleStore) List(_ context.Context, party ledger.Address, transactionID string) ([]dispute.Summary, error) {
	prefix := []byte(txPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("creating iterator: %w", err)
	}
	defer iter.Close()

	out := make([]dispute.Summary, 0, 8)
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("getting value from iter: %w", err)
		}
		var tx Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			return nil, fmt.Errorf("decoding transaction: %w", err)
		}
		if tx.Dispute == nil || tx.SideOf(party) == ledger.SideNone {
			continue
		}
		if transactionID != "" && tx.ID != transactionID {
			continue
		}
		out = append(out, summarize(&tx))
	}
	sortSummaries(out)
	return out, nil
}
