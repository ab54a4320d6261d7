package events

import (
	"context"
	"time"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// TransactionResolved is emitted once per transaction when it reaches a
// terminal state.
type TransactionResolved struct {
	TransactionID     string    `json:"transactionId"`
	ExternalReference string    `json:"externalReference,omitempty"`
	State             string    `json:"state"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	PayerMSISDN       string    `json:"payerMsisdn"`
	Receipt           string    `json:"receipt,omitempty"`
	ResultCode        string    `json:"resultCode,omitempty"`
	ResultDesc        string    `json:"resultDesc,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// Resolved builds the event payload for a transaction that just reached a
// terminal state.
func Resolved(txn *transaction.Transaction, occurredAt time.Time) TransactionResolved {
	ev := TransactionResolved{
		TransactionID:     txn.ID.String(),
		ExternalReference: txn.ExternalReference,
		State:             string(txn.State),
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		PayerMSISDN:       txn.PayerMSISDN,
		Receipt:           txn.Receipt,
		OccurredAt:        occurredAt,
	}

	if txn.Result != nil {
		ev.ResultCode = txn.Result.Code
		ev.ResultDesc = txn.Result.Description
	}

	return ev
}

// Publisher is the outbound event contract. Implementations must be safe
// for concurrent use.
type Publisher interface {
	PublishResolved(ctx context.Context, ev TransactionResolved) error
	Close() error
}

// Nop is a Publisher that discards every event. Useful in tests and when
// no broker is configured.
type Nop struct{}

// NewNop returns a no-op publisher.
func NewNop() *Nop {
	return &Nop{}
}

// PublishResolved discards the event.
func (*Nop) PublishResolved(context.Context, TransactionResolved) error {
	return nil
}

// Close is a no-op.
func (*Nop) Close() error {
	return nil
}
