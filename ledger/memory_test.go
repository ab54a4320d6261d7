package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newStoredPending(t *testing.T, store *Memory, reference string) *transaction.Transaction {
	t.Helper()

	ctx := context.Background()

	txn, err := transaction.New(500, "254712345678", "TOKENS-10", testBase)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, txn))

	tr, err := transaction.Apply(txn, transaction.InitiationAccepted(reference, testBase), testBase)
	require.NoError(t, err)
	require.NoError(t, store.ApplyTransition(ctx, txn, tr))

	return txn
}

func TestMemoryCreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	txn, err := transaction.New(500, "254712345678", "", testBase)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, txn))

	loaded, err := store.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, loaded.ID)
	assert.Equal(t, transaction.StateCreated, loaded.State)

	_, err = store.GetByReference(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUniqueReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	newStoredPending(t, store, "ws_CO_1")

	other, err := transaction.New(700, "254798765432", "", testBase)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, other))

	tr, err := transaction.Apply(other, transaction.InitiationAccepted("ws_CO_1", testBase), testBase)
	require.NoError(t, err)

	err = store.ApplyTransition(ctx, other, tr)
	require.ErrorIs(t, err, ErrDuplicateReference)
}

func TestMemoryApplyTransitionStaleGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	txn := newStoredPending(t, store, "ws_CO_1")

	// Two workers race on the same snapshot; only the first transition may
	// be applied.
	first := *txn
	second := *txn

	at := testBase.Add(time.Minute)

	tr1, err := transaction.Apply(&first, transaction.CallbackOutcome(transaction.OutcomeSuccess, "0", "ok", "RCPT", at), at)
	require.NoError(t, err)
	require.NoError(t, store.ApplyTransition(ctx, &first, tr1))

	tr2, err := transaction.Apply(&second, transaction.PollOutcome(transaction.OutcomeFailure, transaction.ConfidenceHigh, "1037", "timeout", "", at), at)
	require.NoError(t, err)
	require.ErrorIs(t, store.ApplyTransition(ctx, &second, tr2), ErrStaleState)

	loaded, err := store.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StateSucceeded, loaded.State)

	events, err := store.Events(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, events, 2, "initiation + exactly one terminal transition")
	assert.Equal(t, transaction.StateSucceeded, events[1].ToState)
}

func TestMemoryHistoryAppends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	txn := newStoredPending(t, store, "ws_CO_1")

	at := testBase.Add(time.Minute)
	tr, err := transaction.Apply(txn, transaction.PollOutcome(transaction.OutcomeUnknown, transaction.ConfidenceLow, "", "processing", "", at), at)
	require.NoError(t, err)
	require.NoError(t, store.ApplyTransition(ctx, txn, tr))

	events, err := store.Events(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, transaction.StateCreated, events[0].FromState)
	assert.Equal(t, transaction.StatePending, events[0].ToState)
	assert.Equal(t, transaction.StatePending, events[1].FromState)
	assert.Equal(t, transaction.StateUnknown, events[1].ToState)
}

func TestMemoryRecordAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	txn := newStoredPending(t, store, "ws_CO_1")

	count, err := store.RecordAttempt(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.RecordAttempt(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	loaded, err := store.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.AttemptCount)
}

func TestMemoryFindUnresolved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	stale := newStoredPending(t, store, "ws_CO_old")

	// A fresh pending transaction below the age threshold.
	fresh, err := transaction.New(300, "254700000001", "", testBase.Add(10*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, fresh))
	tr, err := transaction.Apply(fresh, transaction.InitiationAccepted("ws_CO_new", testBase.Add(10*time.Minute)), testBase.Add(10*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.ApplyTransition(ctx, fresh, tr))

	// A terminal transaction, never scanned.
	done := newStoredPending(t, store, "ws_CO_done")
	at := testBase.Add(time.Minute)
	trDone, err := transaction.Apply(done, transaction.CallbackOutcome(transaction.OutcomeSuccess, "0", "ok", "R", at), at)
	require.NoError(t, err)
	require.NoError(t, store.ApplyTransition(ctx, done, trDone))

	found, err := store.FindUnresolved(ctx, testBase.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)

	found, err = store.FindUnresolved(ctx, testBase.Add(15*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, found, 2, "fresh transaction becomes stale once the horizon passes it")
}

func TestMemoryConcurrentAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()
	txn := newStoredPending(t, store, "ws_CO_1")

	const workers = 16

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := store.RecordAttempt(ctx, txn.ID)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	loaded, err := store.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, loaded.AttemptCount)
}
