package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"finlink/internal/domain/ingest"
	"finlink/internal/shared/clock"
)

// IngestStore implements ingest.Store. A transaction stages its writes
// and merges them on commit, holding the store lock for its duration so
// transactions are serializable.
type IngestStore struct {
	clock clock.Clock

	mu           sync.Mutex
	accounts     map[string]*ingest.Account
	accountByKey map[ingest.AccountKey]string
	holdings     map[string]*ingest.Holding
	transactions map[string]*ingest.Transaction

	// failNext makes the next transaction fail on commit. Tests use it to
	// simulate a storage error.
	failNext error
}

func newIngestStore(clk clock.Clock) *IngestStore {
	return &IngestStore{
		clock:        clk,
		accounts:     make(map[string]*ingest.Account),
		accountByKey: make(map[ingest.AccountKey]string),
		holdings:     make(map[string]*ingest.Holding),
		transactions: make(map[string]*ingest.Transaction),
	}
}

// FailNextCommit arms a one-shot commit failure.
func (s *IngestStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *IngestStore) WithinTx(ctx context.Context, fn func(tx ingest.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &ingestTx{
		store:        s,
		accounts:     make(map[string]*ingest.Account),
		accountByKey: make(map[ingest.AccountKey]string),
		holdings:     make(map[string]*ingest.Holding),
		transactions: make(map[string]*ingest.Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for k, id := range tx.accountByKey {
		s.accountByKey[k] = id
	}
	for k, h := range tx.holdings {
		s.holdings[k] = h
	}
	for k, t := range tx.transactions {
		s.transactions[k] = t
	}
	return nil
}

type ingestTx struct {
	store        *IngestStore
	accounts     map[string]*ingest.Account
	accountByKey map[ingest.AccountKey]string
	holdings     map[string]*ingest.Holding
	transactions map[string]*ingest.Transaction
}

func (tx *ingestTx) lookup(key ingest.AccountKey) *ingest.Account {
	if id, ok := tx.accountByKey[key]; ok {
		return tx.accounts[id]
	}
	if id, ok := tx.store.accountByKey[key]; ok {
		return tx.store.accounts[id]
	}
	return nil
}

func (tx *ingestTx) UpsertAccount(ctx context.Context, a *ingest.Account) (bool, error) {
	now := tx.store.clock.Now().UTC()
	key := a.Key()

	existing := tx.lookup(key)
	created := existing == nil
	if created {
		a.ID = uuid.NewString()
		a.CreatedAt = now
	} else {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	}
	a.UpdatedAt = now

	cp := *a
	tx.accounts[a.ID] = &cp
	tx.accountByKey[key] = a.ID
	return created, nil
}

func (tx *ingestTx) FindAccount(ctx context.Context, key ingest.AccountKey) (*ingest.Account, error) {
	a := tx.lookup(key)
	if a == nil {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (tx *ingestTx) InsertHolding(ctx context.Context, h *ingest.Holding) (bool, error) {
	if _, ok := tx.holdings[h.IdempotencyKey]; ok {
		return false, nil
	}
	if _, ok := tx.store.holdings[h.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *h
	tx.holdings[h.IdempotencyKey] = &cp
	return true, nil
}

func (tx *ingestTx) InsertTransaction(ctx context.Context, t *ingest.Transaction) (bool, error) {
	if _, ok := tx.transactions[t.IdempotencyKey]; ok {
		return false, nil
	}
	if _, ok := tx.store.transactions[t.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *t
	tx.transactions[t.IdempotencyKey] = &cp
	return true, nil
}

func (s *IngestStore) GetAccount(ctx context.Context, id string) (*ingest.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ingest.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *IngestStore) ListAccountsByUser(ctx context.Context, userID int64) ([]*ingest.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ingest.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *IngestStore) ListHoldings(ctx context.Context, accountID string) ([]*ingest.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ingest.Holding
	for _, h := range s.holdings {
		if h.AccountID == accountID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AsOf.Equal(out[j].AsOf) {
			return out[i].AsOf.After(out[j].AsOf)
		}
		return out[i].InstrumentID < out[j].InstrumentID
	})
	return out, nil
}

func (s *IngestStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*ingest.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ingest.Transaction
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Counts reports stored row totals.
func (s *IngestStore) Counts() (accounts, holdings, transactions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts), len(s.holdings), len(s.transactions)
}
