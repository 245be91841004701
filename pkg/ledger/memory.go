package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

type memoryStore struct {
	mu       sync.RWMutex
	payments map[string]Record
}

// NewMemoryStore keeps the ledger in process memory. Useful for tests
// and for running the pipeline without any storage infrastructure.
func NewMemoryStore() Store {
	return &memoryStore{
		payments: make(map[string]Record),
	}
}

func (s *memoryStore) CreateIfAbsent(
	ctx context.Context,
	correlationID string,
	amountInCents int64,
	requestedAt time.Time,
) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[correlationID]; ok {
		return existing, nil
	}

	record := Record{
		CorrelationID: correlationID,
		AmountInCents: amountInCents,
		RequestedAt:   requestedAt.UTC(),
	}
	s.payments[correlationID] = record
	return record, nil
}

func (s *memoryStore) Get(ctx context.Context, correlationID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.payments[correlationID]
	return record, ok, nil
}

func (s *memoryStore) SetProcessor(
	ctx context.Context,
	correlationID string,
	backend common.Backend,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.payments[correlationID]
	if !ok {
		return false, fmt.Errorf("payment %s: %w", correlationID, ErrNotFound)
	}
	if record.Settled() {
		return false, nil
	}

	record.Processor = backend
	s.payments[correlationID] = record
	return true, nil
}

func (s *memoryStore) Summarize(
	ctx context.Context,
	backend common.Backend,
	from, to *time.Time,
) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summary Summary
	for _, record := range s.payments {
		if record.Processor != backend {
			continue
		}
		if from != nil && record.RequestedAt.Before(*from) {
			continue
		}
		if to != nil && record.RequestedAt.After(*to) {
			continue
		}
		summary.Count++
		summary.TotalAmount += record.AmountInCents
	}
	return summary, nil
}

func (s *memoryStore) BulkCreate(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		if _, ok := s.payments[record.CorrelationID]; ok {
			continue
		}
		record.RequestedAt = record.RequestedAt.UTC()
		s.payments[record.CorrelationID] = record
	}
	return nil
}

func (s *memoryStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = make(map[string]Record)
	return nil
}
