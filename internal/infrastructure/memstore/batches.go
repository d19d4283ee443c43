package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"finlink/internal/domain/batch"
	"finlink/internal/shared/clock"
)

// BatchStore implements batch.Repository.
type BatchStore struct {
	clock clock.Clock

	mu      sync.Mutex
	batches map[string]*batch.Batch
}

func newBatchStore(clk clock.Clock) *BatchStore {
	return &BatchStore{clock: clk, batches: make(map[string]*batch.Batch)}
}

func (s *BatchStore) Create(ctx context.Context, b *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	s.batches[b.ID] = cloneBatch(b)
	return nil
}

func (s *BatchStore) GetByID(ctx context.Context, id string) (*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, batch.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (s *BatchStore) ListByConsent(ctx context.Context, consentID string) ([]*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*batch.Batch
	for _, b := range s.batches {
		if b.ConsentID == consentID {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BatchStore) RecordResults(ctx context.Context, id string, results []batch.AccountResult, status batch.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return batch.ErrBatchNotFound
	}
	if b.Status.IsTerminal() {
		return batch.TerminalError(id, b.Status)
	}

	b.Results = append([]batch.AccountResult(nil), results...)
	b.Status = status
	b.UpdatedAt = s.clock.Now().UTC()
	if status.IsTerminal() {
		done := b.UpdatedAt
		b.CompletedAt = &done
	}
	return nil
}

func (s *BatchStore) Finish(ctx context.Context, id string, status batch.Status, summary batch.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return batch.ErrBatchNotFound
	}
	if b.Status.IsTerminal() {
		return batch.TerminalError(id, b.Status)
	}

	now := s.clock.Now().UTC()
	b.Status = status
	b.Summary = summary
	b.UpdatedAt = now
	b.CompletedAt = &now
	return nil
}

func cloneBatch(b *batch.Batch) *batch.Batch {
	cp := *b
	cp.AccountIDs = append([]string(nil), b.AccountIDs...)
	cp.Results = append([]batch.AccountResult(nil), b.Results...)
	if b.Summary.FailedAccounts != nil {
		cp.Summary.FailedAccounts = make(map[string]string, len(b.Summary.FailedAccounts))
		for k, v := range b.Summary.FailedAccounts {
			cp.Summary.FailedAccounts[k] = v
		}
	}
	if b.CompletedAt != nil {
		done := *b.CompletedAt
		cp.CompletedAt = &done
	}
	return &cp
}
