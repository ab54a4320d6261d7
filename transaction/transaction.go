package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCurrency is the only currency the gateway settles in.
const DefaultCurrency = "KES"

// State represents the lifecycle state of a payment transaction.
//
// Semantics:
//   - CREATED: recorded locally, not yet accepted by the gateway.
//   - PENDING: accepted by the gateway, awaiting a callback or poll result.
//   - SUCCEEDED: payer confirmed and funds moved; terminal.
//   - FAILED: rejected, declined or cancelled; terminal.
//   - EXPIRED: no definitive result within the SLA window; terminal.
//   - UNKNOWN: ambiguous or low-confidence result; re-evaluated later.
type State string

const (
	StateCreated   State = "CREATED"
	StatePending   State = "PENDING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"
	StateUnknown   State = "UNKNOWN"
)

// Terminal reports whether the state absorbs all further events.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePending, StateSucceeded, StateFailed, StateExpired, StateUnknown:
		return true
	default:
		return false
	}
}

// Result carries the terminal outcome of a transaction: a gateway result
// code and a human-readable reason.
type Result struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Transaction is one payment attempt against the mobile-money gateway.
//
// ExternalReference is the gateway-assigned identifier (the STK push
// CheckoutRequestID); it stays empty when initiation itself failed and is
// unique across all transactions once set. Amount is a positive whole-KES
// value, the integral unit the gateway accepts.
type Transaction struct {
	ID                uuid.UUID `json:"id"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	PayerMSISDN       string    `json:"payer_msisdn"`
	AccountReference  string    `json:"account_reference,omitempty"`
	State             State     `json:"state"`
	AttemptCount      int       `json:"attempt_count"`
	Receipt           string    `json:"receipt,omitempty"`
	Result            *Result   `json:"result,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastTransitionAt  time.Time `json:"last_transition_at"`
}

// Validation errors for New.
var (
	ErrInvalidAmount = errors.New("amount must be a positive whole-KES value")
	ErrInvalidPayer  = errors.New("payer MSISDN is required")
)

// New creates a transaction in CREATED with a fresh identifier.
func New(amount int64, payerMSISDN, accountReference string, now time.Time) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	if strings.TrimSpace(payerMSISDN) == "" {
		return nil, ErrInvalidPayer
	}

	now = now.UTC()

	return &Transaction{
		ID:               uuid.New(),
		Amount:           amount,
		Currency:         DefaultCurrency,
		PayerMSISDN:      payerMSISDN,
		AccountReference: accountReference,
		State:            StateCreated,
		CreatedAt:        now,
		LastTransitionAt: now,
	}, nil
}

// Age returns how long the transaction has existed at the given instant.
func (t *Transaction) Age(now time.Time) time.Duration {
	return now.UTC().Sub(t.CreatedAt)
}
