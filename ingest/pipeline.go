package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harmonymwirigi/patabasefiti-payments/events"
	"github.com/harmonymwirigi/patabasefiti-payments/gateway"
	"github.com/harmonymwirigi/patabasefiti-payments/idempotency"
	"github.com/harmonymwirigi/patabasefiti-payments/ledger"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// Pipeline errors. ErrMalformedPayload and ErrUnknownReference are
// permanent: redelivering the same payload cannot succeed, so transports
// map them to client errors. Everything else is transient and must be
// answered so the gateway redelivers.
var (
	ErrMalformedPayload = errors.New("malformed callback payload")
	ErrUnknownReference = errors.New("callback references an unknown transaction")
)

const defaultDedupTTL = 24 * time.Hour

// metadataItem is one Name/Value pair of the callback metadata. Values are
// mixed-type on the wire (strings and numbers).
type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID" validate:"required"`
	// ResultCode 0 means success, so the zero value is meaningful and the
	// field must be a pointer for presence validation.
	ResultCode       *int   `json:"ResultCode" validate:"required"`
	ResultDesc       string `json:"ResultDesc"`
	CallbackMetadata struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackEnvelope struct {
	Body struct {
		STKCallback stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// receipt extracts the MpesaReceiptNumber metadata item, if present.
func (c *stkCallback) receipt() string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != "MpesaReceiptNumber" {
			continue
		}

		if s, ok := item.Value.(string); ok {
			return s
		}
	}

	return ""
}

// Pipeline processes callback deliveries. Safe for concurrent use.
type Pipeline struct {
	store     ledger.Store
	guard     *idempotency.Guard
	locker    *idempotency.Locker
	publisher events.Publisher
	dedupTTL  time.Duration
	logger    log.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
	now       func() time.Time
}

// NewPipeline wires the ingestion pipeline. A non-positive dedupTTL falls
// back to 24 hours; a nil publisher falls back to the no-op publisher.
func NewPipeline(
	store ledger.Store,
	guard *idempotency.Guard,
	locker *idempotency.Locker,
	publisher events.Publisher,
	dedupTTL time.Duration,
	logger log.Logger,
) *Pipeline {
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}

	if publisher == nil {
		publisher = events.NewNop()
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Pipeline{
		store:     store,
		guard:     guard,
		locker:    locker,
		publisher: publisher,
		dedupTTL:  dedupTTL,
		logger:    logger,
		tracer:    otel.Tracer("patabasefiti-payments/ingest"),
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Ingest processes one raw callback delivery. A nil return means the
// delivery is fully handled and must be acknowledged; that includes
// duplicates and callbacks for already-terminal transactions. Transient
// failures return an error so the delivery is retried.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) error {
	ctx, span := p.tracer.Start(ctx, "ingest.callback")
	defer span.End()

	cb, err := p.parse(raw)
	if err != nil {
		return err
	}

	reference := cb.CheckoutRequestID
	payloadHash := idempotency.PayloadHash(raw)

	claimed, err := p.guard.TryClaim(ctx, reference, payloadHash, p.dedupTTL)
	if err != nil {
		return err
	}

	if !claimed {
		p.logger.Log(ctx, log.LevelInfo, "duplicate callback acknowledged without processing",
			log.String("external_reference", reference))

		return nil
	}

	if err := p.process(ctx, reference, cb); err != nil {
		// The claim must not survive a failed processing attempt, or the
		// gateway's redelivery would be swallowed as a duplicate.
		if relErr := p.guard.Release(ctx, reference, payloadHash); relErr != nil {
			p.logger.Log(ctx, log.LevelError, "failed to release callback claim",
				log.String("external_reference", reference), log.Err(relErr))
		}

		return err
	}

	return nil
}

func (p *Pipeline) parse(raw []byte) (*stkCallback, error) {
	var envelope callbackEnvelope

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	cb := envelope.Body.STKCallback

	if err := p.validate.Struct(&cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return &cb, nil
}

func (p *Pipeline) process(ctx context.Context, reference string, cb *stkCallback) error {
	return p.locker.WithReferenceLock(ctx, reference, func(ctx context.Context) error {
		txn, err := p.store.GetByReference(ctx, reference)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownReference, reference)
		}

		if err != nil {
			return err
		}

		code := strconv.Itoa(*cb.ResultCode)
		outcome, _, desc := gateway.MapResultCode(code, cb.ResultDesc)
		now := p.now().UTC()

		ev := transaction.CallbackOutcome(outcome, code, desc, cb.receipt(), now)

		tr, err := transaction.Apply(txn, ev, now)
		if errors.Is(err, transaction.ErrTerminalState) {
			p.logger.Log(ctx, log.LevelInfo, "callback for terminal transaction discarded",
				log.String("external_reference", reference),
				log.String("state", string(txn.State)))

			return nil
		}

		if err != nil {
			return fmt.Errorf("callback not applicable: %w", err)
		}

		if err := p.store.ApplyTransition(ctx, txn, tr); err != nil {
			return err
		}

		p.logger.Log(ctx, log.LevelInfo, "callback applied",
			log.String("external_reference", reference),
			log.String("from", string(tr.From)), log.String("to", string(tr.To)),
			log.String("result_code", code))

		if txn.State.Terminal() {
			if err := p.publisher.PublishResolved(ctx, events.Resolved(txn, tr.OccurredAt)); err != nil {
				p.logger.Log(ctx, log.LevelError, "failed to publish resolved event",
					log.String("transaction_id", txn.ID.String()), log.Err(err))
			}
		}

		return nil
	})
}
