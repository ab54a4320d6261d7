package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// Memory is an in-process Store with the same semantics as the postgres
// implementation: unique external references, optimistic state guard on
// transitions, append-only history. It exists for tests; production always
// runs on Postgres, where the state is shared across worker processes.
type Memory struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*transaction.Transaction
	byRef   map[string]uuid.UUID
	history map[uuid.UUID][]EventRecord
	nextID  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[uuid.UUID]*transaction.Transaction),
		byRef:   make(map[string]uuid.UUID),
		history: make(map[uuid.UUID][]EventRecord),
	}
}

// Create persists a freshly constructed transaction.
func (m *Memory) Create(_ context.Context, txn *transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[txn.ID]; ok {
		return fmt.Errorf("duplicate transaction id %s", txn.ID)
	}

	if txn.ExternalReference != "" {
		if _, ok := m.byRef[txn.ExternalReference]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ExternalReference)
		}

		m.byRef[txn.ExternalReference] = txn.ID
	}

	m.byID[txn.ID] = cloneTxn(txn)

	return nil
}

// GetByID loads a transaction by internal identifier.
func (m *Memory) GetByID(_ context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return cloneTxn(stored), nil
}

// GetByReference loads a transaction by gateway external reference.
func (m *Memory) GetByReference(_ context.Context, reference string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRef[reference]
	if !ok {
		return nil, fmt.Errorf("%w: reference=%s", ErrNotFound, reference)
	}

	return cloneTxn(m.byID[id]), nil
}

// ApplyTransition appends history and updates the stored row, guarded by
// the transition's from-state.
func (m *Memory) ApplyTransition(_ context.Context, txn *transaction.Transaction, tr transaction.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[txn.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, txn.ID)
	}

	if stored.State != tr.From {
		return fmt.Errorf("%w: id=%s stored=%s expected=%s", ErrStaleState, txn.ID, stored.State, tr.From)
	}

	if txn.ExternalReference != "" && txn.ExternalReference != stored.ExternalReference {
		if owner, taken := m.byRef[txn.ExternalReference]; taken && owner != txn.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ExternalReference)
		}

		m.byRef[txn.ExternalReference] = txn.ID
	}

	m.nextID++
	m.history[txn.ID] = append(m.history[txn.ID], EventRecord{
		ID:            m.nextID,
		TransactionID: txn.ID,
		FromState:     tr.From,
		ToState:       tr.To,
		Source:        tr.Event.Source,
		Outcome:       tr.Event.Outcome,
		Confidence:    tr.Event.Confidence,
		ResultCode:    tr.Event.ResultCode,
		ResultDesc:    tr.Event.ResultDesc,
		Receipt:       tr.Event.Receipt,
		ObservedAt:    tr.Event.ObservedAt,
		OccurredAt:    tr.OccurredAt,
	})

	updated := cloneTxn(txn)
	updated.AttemptCount = stored.AttemptCount
	m.byID[txn.ID] = updated

	return nil
}

// RecordAttempt increments the gateway round-trip counter.
func (m *Memory) RecordAttempt(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	stored.AttemptCount++

	return stored.AttemptCount, nil
}

// FindUnresolved returns PENDING/UNKNOWN transactions whose last transition
// happened before olderThan, oldest first.
func (m *Memory) FindUnresolved(_ context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*transaction.Transaction

	for _, stored := range m.byID {
		if stored.State != transaction.StatePending && stored.State != transaction.StateUnknown {
			continue
		}

		if !stored.LastTransitionAt.Before(olderThan) {
			continue
		}

		result = append(result, cloneTxn(stored))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastTransitionAt.Before(result[j].LastTransitionAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Events returns the transition history for a transaction, oldest first.
func (m *Memory) Events(_ context.Context, id uuid.UUID) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.history[id]
	out := make([]EventRecord, len(events))
	copy(out, events)

	return out, nil
}

func cloneTxn(stored *transaction.Transaction) *transaction.Transaction {
	clone := *stored
	if stored.Result != nil {
		result := *stored.Result
		clone.Result = &result
	}

	return &clone
}
