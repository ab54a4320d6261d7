package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harmonymwirigi/patabasefiti-payments/backoff"
	"github.com/harmonymwirigi/patabasefiti-payments/gateway"
	"github.com/harmonymwirigi/patabasefiti-payments/idempotency"
	"github.com/harmonymwirigi/patabasefiti-payments/ledger"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// resultCodeUnavailable marks a failed initiation caused by gateway
// unreachability rather than an explicit rejection.
const resultCodeUnavailable = "GATEWAY_UNAVAILABLE"

const (
	initiationLockAttempts     = 3
	initiationLockRetryBase    = 25 * time.Millisecond
	initiationLockRetryCeiling = 250 * time.Millisecond
)

// Payments implements the payment use cases. Safe for concurrent use.
type Payments struct {
	store   ledger.Store
	gateway gateway.Client
	locker  *idempotency.Locker
	logger  log.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewPayments wires the payment service.
func NewPayments(store ledger.Store, gw gateway.Client, locker *idempotency.Locker, logger log.Logger) *Payments {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Payments{
		store:   store,
		gateway: gw,
		locker:  locker,
		logger:  logger,
		tracer:  otel.Tracer("patabasefiti-payments/service"),
		now:     time.Now,
	}
}

// RequestPayment creates a transaction and pushes it to the gateway. The
// returned transaction reflects the initiation result: PENDING when the
// gateway accepted the push, FAILED when it rejected it or could not be
// reached. A non-nil error is only returned for invalid input or ledger
// failures.
func (s *Payments) RequestPayment(ctx context.Context, amount int64, payerMSISDN, accountReference string) (*transaction.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "service.request_payment")
	defer span.End()

	now := s.now().UTC()

	txn, err := transaction.New(amount, payerMSISDN, accountReference, now)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	if _, err := s.store.RecordAttempt(ctx, txn.ID); err != nil {
		return nil, err
	}

	result, initErr := s.gateway.Initiate(ctx, amount, payerMSISDN, accountReference)
	if initErr != nil {
		return s.failInitiation(ctx, txn, initErr)
	}

	if err := s.recordAcceptance(ctx, txn, result.ExternalReference); err != nil {
		return nil, fmt.Errorf("failed to record accepted initiation: %w", err)
	}

	s.logger.Log(ctx, log.LevelInfo, "payment initiated",
		log.String("transaction_id", txn.ID.String()),
		log.String("external_reference", txn.ExternalReference),
		log.Int64("amount", amount))

	return txn, nil
}

// recordAcceptance applies the CREATED→PENDING transition once the gateway
// accepted the push. The reference lock serializes it against a callback
// that could arrive the instant the gateway answers; lock contention is
// transient and must never strand the transaction in CREATED, so busy
// locks are retried with backoff and, as a last resort, the transition is
// applied without the lock. That is safe: the ledger's from-state guard
// serializes writers, and only this call can move the row out of CREATED.
func (s *Payments) recordAcceptance(ctx context.Context, txn *transaction.Transaction, reference string) error {
	apply := func(ctx context.Context) error {
		now := s.now().UTC()

		tr, err := transaction.Apply(txn, transaction.InitiationAccepted(reference, now), now)
		if err != nil {
			return err
		}

		return s.store.ApplyTransition(ctx, txn, tr)
	}

	var err error

	for attempt := 0; attempt < initiationLockAttempts; attempt++ {
		err = s.locker.WithReferenceLock(ctx, reference, apply)
		if !errors.Is(err, idempotency.ErrLockBusy) {
			return err
		}

		delay := backoff.ExponentialWithJitter(initiationLockRetryBase, attempt, initiationLockRetryCeiling)
		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	s.logger.Log(ctx, log.LevelWarn, "reference lock busy, recording acceptance without it",
		log.String("transaction_id", txn.ID.String()),
		log.String("external_reference", reference))

	return apply(ctx)
}

func (s *Payments) failInitiation(ctx context.Context, txn *transaction.Transaction, initErr error) (*transaction.Transaction, error) {
	code := resultCodeUnavailable
	if errors.Is(initErr, gateway.ErrRejected) {
		code = "GATEWAY_REJECTED"
	}

	now := s.now().UTC()

	tr, err := transaction.Apply(txn, transaction.InitiationFailed(code, initErr.Error(), now), now)
	if err != nil {
		return nil, err
	}

	if err := s.store.ApplyTransition(ctx, txn, tr); err != nil {
		return nil, err
	}

	s.logger.Log(ctx, log.LevelWarn, "payment initiation failed",
		log.String("transaction_id", txn.ID.String()),
		log.String("result_code", code), log.Err(initErr))

	return txn, nil
}

// GetTransaction loads a transaction by identifier.
func (s *Payments) GetTransaction(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return s.store.GetByID(ctx, id)
}

// GetTransactionEvents returns the transition history, oldest first.
func (s *Payments) GetTransactionEvents(ctx context.Context, id uuid.UUID) ([]ledger.EventRecord, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}

	return s.store.Events(ctx, id)
}
