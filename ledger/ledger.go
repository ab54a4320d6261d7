package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// Store errors.
var (
	// ErrNotFound is returned when no transaction matches the lookup key.
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicateReference is returned when a write would give two
	// transactions the same external reference.
	ErrDuplicateReference = errors.New("external reference already in use")
	// ErrStaleState is returned when a transition's expected from-state no
	// longer matches the stored row. The caller lost a race and must
	// reload before retrying.
	ErrStaleState = errors.New("stored state does not match transition from-state")
)

// EventRecord is one row of the append-only transition history.
type EventRecord struct {
	ID            int64
	TransactionID uuid.UUID
	FromState     transaction.State
	ToState       transaction.State
	Source        transaction.Source
	Outcome       transaction.Outcome
	Confidence    transaction.Confidence
	ResultCode    string
	ResultDesc    string
	Receipt       string
	ObservedAt    time.Time
	OccurredAt    time.Time
}

// Store is the persistence contract for the transaction core. Transactions
// are never physically deleted; every state change appends history.
type Store interface {
	// Create persists a freshly constructed transaction (state CREATED).
	Create(ctx context.Context, txn *transaction.Transaction) error

	// GetByID loads a transaction by internal identifier.
	GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error)

	// GetByReference loads a transaction by gateway external reference.
	GetByReference(ctx context.Context, reference string) (*transaction.Transaction, error)

	// ApplyTransition atomically appends the history entry and updates the
	// current row from the already-mutated txn. The update is guarded by
	// tr.From; ErrStaleState means the caller raced and must reload.
	ApplyTransition(ctx context.Context, txn *transaction.Transaction, tr transaction.Transition) error

	// RecordAttempt increments the gateway round-trip counter and returns
	// the new value. Attempts are counted even when the round-trip fails.
	RecordAttempt(ctx context.Context, id uuid.UUID) (int, error)

	// FindUnresolved returns transactions in PENDING or UNKNOWN whose last
	// transition happened before olderThan, oldest first, up to limit.
	FindUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error)

	// Events returns the transition history for a transaction, oldest
	// first.
	Events(ctx context.Context, id uuid.UUID) ([]EventRecord, error)
}
