package reconcile

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harmonymwirigi/patabasefiti-payments/events"
	"github.com/harmonymwirigi/patabasefiti-payments/gateway"
	"github.com/harmonymwirigi/patabasefiti-payments/idempotency"
	"github.com/harmonymwirigi/patabasefiti-payments/ledger"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

const (
	defaultInterval      = 30 * time.Second
	defaultStaleAge      = 90 * time.Second
	defaultResolutionSLA = 5 * time.Minute
	defaultPollCeiling   = 3
	defaultBatchSize     = 100

	expiryReason = "no resolution within SLA"
)

// WorkerConfig tunes the reconciliation loop.
type WorkerConfig struct {
	// Interval is the pause between sweeps.
	Interval time.Duration
	// StaleAge is how long a transaction must sit without a transition
	// before a sweep picks it up.
	StaleAge time.Duration
	// ResolutionSLA bounds how long a transaction may stay unresolved,
	// measured from creation.
	ResolutionSLA time.Duration
	// PollCeiling is the minimum number of gateway attempts before an
	// over-SLA transaction is declared EXPIRED.
	PollCeiling int
	// BatchSize caps how many transactions one sweep processes.
	BatchSize int
}

func (c *WorkerConfig) initDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}

	if c.StaleAge <= 0 {
		c.StaleAge = defaultStaleAge
	}

	if c.ResolutionSLA <= 0 {
		c.ResolutionSLA = defaultResolutionSLA
	}

	if c.PollCeiling <= 0 {
		c.PollCeiling = defaultPollCeiling
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

// Worker is the reconciliation loop. One instance per process is enough;
// multiple instances across processes coordinate through the per-reference
// locks and the guarded ledger updates.
type Worker struct {
	cfg       WorkerConfig
	store     ledger.Store
	gateway   gateway.Client
	locker    *idempotency.Locker
	publisher events.Publisher
	logger    log.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewWorker wires a reconciliation worker. A nil publisher falls back to
// the no-op publisher.
func NewWorker(
	cfg WorkerConfig,
	store ledger.Store,
	gw gateway.Client,
	locker *idempotency.Locker,
	publisher events.Publisher,
	logger log.Logger,
) *Worker {
	cfg.initDefaults()

	if publisher == nil {
		publisher = events.NewNop()
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Worker{
		cfg:       cfg,
		store:     store,
		gateway:   gw,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("patabasefiti-payments/reconcile"),
		now:       time.Now,
	}
}

// Run sweeps immediately, then on every interval tick until ctx is
// cancelled. Cancellation is a clean stop and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Log(ctx, log.LevelInfo, "reconciliation worker started",
		log.Duration("interval", w.cfg.Interval), log.Duration("stale_age", w.cfg.StaleAge))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Log(ctx, log.LevelInfo, "reconciliation worker stopped")
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Errors on individual transactions
// are logged and skipped; the sweep always finishes the batch unless ctx
// is cancelled.
func (w *Worker) Sweep(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	olderThan := w.now().UTC().Add(-w.cfg.StaleAge)

	stale, err := w.store.FindUnresolved(ctx, olderThan, w.cfg.BatchSize)
	if err != nil {
		w.logger.Log(ctx, log.LevelError, "failed to scan for unresolved transactions", log.Err(err))
		return
	}

	for _, txn := range stale {
		if ctx.Err() != nil {
			return
		}

		if err := w.reconcile(ctx, txn.ID.String(), txn.ExternalReference); err != nil {
			if errors.Is(err, idempotency.ErrLockBusy) {
				// A callback or another reconciler holds the reference;
				// it will resolve the transaction or the next sweep will.
				continue
			}

			w.logger.Log(ctx, log.LevelWarn, "reconciliation of transaction failed",
				log.String("transaction_id", txn.ID.String()), log.Err(err))
		}
	}
}

// reconcile polls the gateway for one transaction under its reference
// lock. The transaction is reloaded inside the lock: the scan snapshot may
// be stale by the time the lock is held.
func (w *Worker) reconcile(ctx context.Context, id, reference string) error {
	return w.locker.WithReferenceLock(ctx, reference, func(ctx context.Context) error {
		txn, err := w.store.GetByReference(ctx, reference)
		if err != nil {
			return err
		}

		if txn.State.Terminal() {
			return nil
		}

		now := w.now().UTC()
		if now.Sub(txn.LastTransitionAt) < w.cfg.StaleAge {
			// A callback landed between the scan and the lock.
			return nil
		}

		attempts, err := w.store.RecordAttempt(ctx, txn.ID)
		if err != nil {
			return err
		}

		pollStart := w.now().UTC()

		result, err := w.gateway.PollStatus(ctx, reference)
		if err != nil {
			w.logger.Log(ctx, log.LevelWarn, "status poll failed",
				log.String("external_reference", reference),
				log.Int("attempts", attempts), log.Err(err))

			return w.maybeExpire(ctx, txn, attempts)
		}

		ev := transaction.PollOutcome(result.Outcome, result.Confidence, result.ResultCode, result.ResultDesc, "", pollStart)

		tr, err := transaction.Apply(txn, ev, w.now().UTC())
		if errors.Is(err, transaction.ErrTerminalState) || errors.Is(err, transaction.ErrStaleEvent) {
			w.logger.Log(ctx, log.LevelDebug, "poll result discarded",
				log.String("external_reference", reference), log.Err(err))

			return nil
		}

		if err != nil {
			return err
		}

		if err := w.store.ApplyTransition(ctx, txn, tr); err != nil {
			return err
		}

		w.logger.Log(ctx, log.LevelInfo, "poll result applied",
			log.String("external_reference", reference),
			log.String("from", string(tr.From)), log.String("to", string(tr.To)))

		if txn.State.Terminal() {
			w.publishResolved(ctx, txn, tr.OccurredAt)
			return nil
		}

		return w.maybeExpire(ctx, txn, attempts)
	})
}

// maybeExpire moves a still-unresolved transaction to EXPIRED once it is
// past the SLA window and the poll ceiling has been reached.
func (w *Worker) maybeExpire(ctx context.Context, txn *transaction.Transaction, attempts int) error {
	now := w.now().UTC()

	if txn.Age(now) < w.cfg.ResolutionSLA || attempts < w.cfg.PollCeiling {
		return nil
	}

	tr, err := transaction.Apply(txn, transaction.Expiry(expiryReason, now), now)
	if err != nil {
		return err
	}

	if err := w.store.ApplyTransition(ctx, txn, tr); err != nil {
		return err
	}

	w.logger.Log(ctx, log.LevelWarn, "transaction expired without resolution",
		log.String("transaction_id", txn.ID.String()),
		log.String("external_reference", txn.ExternalReference),
		log.Int("attempts", attempts))

	w.publishResolved(ctx, txn, tr.OccurredAt)

	return nil
}

func (w *Worker) publishResolved(ctx context.Context, txn *transaction.Transaction, occurredAt time.Time) {
	if err := w.publisher.PublishResolved(ctx, events.Resolved(txn, occurredAt)); err != nil {
		w.logger.Log(ctx, log.LevelError, "failed to publish resolved event",
			log.String("transaction_id", txn.ID.String()), log.Err(err))
	}
}
