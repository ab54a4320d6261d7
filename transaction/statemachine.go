package transaction

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies the channel an event arrived through. Callbacks are the
// gateway's authoritative push channel; polls are the fallback pull channel.
type Source string

const (
	SourceInitiation Source = "initiation"
	SourceCallback   Source = "callback"
	SourcePoll       Source = "poll"
	SourceReconciler Source = "reconciler"
)

// Outcome is the business result carried by an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// Confidence ranks how definitive an event's outcome is. Callback outcomes
// are always high confidence; a poll answering "still being processed" is
// low confidence.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Kind discriminates the event families the state machine accepts.
type Kind string

const (
	KindInitiation Kind = "initiation"
	KindOutcome    Kind = "outcome"
	KindExpiry     Kind = "expiry"
)

// Event is a value object describing something the gateway (or the
// reconciler) told us about a transaction. Events are submitted to Apply;
// they never mutate a Transaction themselves.
type Event struct {
	Kind       Kind
	Source     Source
	Outcome    Outcome
	Confidence Confidence

	// Reference is the gateway-assigned external reference. Required for
	// accepted initiations; informational elsewhere.
	Reference string

	ResultCode string
	ResultDesc string
	Receipt    string

	// ObservedAt is when the underlying gateway interaction started. Poll
	// events observed before the transaction's last transition are stale
	// and discarded: a callback landed while the poll was in flight, and
	// the push channel is authoritative.
	ObservedAt time.Time
}

// InitiationAccepted builds the event for a gateway-accepted initiation.
func InitiationAccepted(reference string, at time.Time) Event {
	return Event{
		Kind:       KindInitiation,
		Source:     SourceInitiation,
		Outcome:    OutcomeSuccess,
		Confidence: ConfidenceHigh,
		Reference:  reference,
		ObservedAt: at.UTC(),
	}
}

// InitiationFailed builds the event for a rejected or unreachable
// initiation. The transaction becomes FAILED with the given result.
func InitiationFailed(code, desc string, at time.Time) Event {
	return Event{
		Kind:       KindInitiation,
		Source:     SourceInitiation,
		Outcome:    OutcomeFailure,
		Confidence: ConfidenceHigh,
		ResultCode: code,
		ResultDesc: desc,
		ObservedAt: at.UTC(),
	}
}

// CallbackOutcome builds the event for a gateway callback. Callbacks carry
// high confidence unless the outcome itself is unknown.
func CallbackOutcome(outcome Outcome, code, desc, receipt string, at time.Time) Event {
	confidence := ConfidenceHigh
	if outcome == OutcomeUnknown {
		confidence = ConfidenceLow
	}

	return Event{
		Kind:       KindOutcome,
		Source:     SourceCallback,
		Outcome:    outcome,
		Confidence: confidence,
		ResultCode: code,
		ResultDesc: desc,
		Receipt:    receipt,
		ObservedAt: at.UTC(),
	}
}

// PollOutcome builds the event for a status poll. startedAt must be the
// instant the poll was issued, not when its response arrived, so the
// tie-break against concurrent callbacks stays conservative.
func PollOutcome(outcome Outcome, confidence Confidence, code, desc, receipt string, startedAt time.Time) Event {
	return Event{
		Kind:       KindOutcome,
		Source:     SourcePoll,
		Outcome:    outcome,
		Confidence: confidence,
		ResultCode: code,
		ResultDesc: desc,
		Receipt:    receipt,
		ObservedAt: startedAt.UTC(),
	}
}

// Expiry builds the reconciler-driven event that moves an unresolved
// transaction to EXPIRED.
func Expiry(reason string, at time.Time) Event {
	return Event{
		Kind:       KindExpiry,
		Source:     SourceReconciler,
		Outcome:    OutcomeUnknown,
		Confidence: ConfidenceHigh,
		ResultCode: ResultCodeExpired,
		ResultDesc: reason,
		ObservedAt: at.UTC(),
	}
}

// ResultCodeExpired is the terminal result code for SLA expiry.
const ResultCodeExpired = "EXPIRED"

// State machine errors. ErrTerminalState and ErrStaleEvent are expected
// conditions the caller logs and discards; the rest signal programming or
// data errors.
var (
	ErrTerminalState     = errors.New("transaction is terminal; event discarded")
	ErrStaleEvent        = errors.New("event observed before last transition; discarded")
	ErrInvalidTransition = errors.New("event not applicable in current state")
	ErrMissingReference  = errors.New("accepted initiation requires an external reference")
	ErrReferenceMismatch = errors.New("event reference does not match transaction")
)

// Transition records one applied state change, including self-transitions
// (UNKNOWN re-evaluated to UNKNOWN), for the append-only ledger history.
type Transition struct {
	From       State
	To         State
	Event      Event
	OccurredAt time.Time
}

// Apply feeds one event into the state machine and mutates txn accordingly.
// It returns the resulting transition, or an error when the event must not
// be applied. txn is only mutated on a nil error.
//
// Invariants enforced here:
//   - terminal states absorb every further event (ErrTerminalState);
//   - poll results observed before the last transition lose to the callback
//     that caused that transition (ErrStaleEvent);
//   - the external reference is set exactly once, by the accepted
//     initiation.
func Apply(txn *Transaction, ev Event, now time.Time) (Transition, error) {
	if txn.State.Terminal() {
		return Transition{}, fmt.Errorf("%w: state=%s", ErrTerminalState, txn.State)
	}

	now = now.UTC()

	switch ev.Kind {
	case KindInitiation:
		return applyInitiation(txn, ev, now)
	case KindOutcome:
		return applyOutcome(txn, ev, now)
	case KindExpiry:
		return applyExpiry(txn, ev, now)
	default:
		return Transition{}, fmt.Errorf("%w: unknown event kind %q", ErrInvalidTransition, ev.Kind)
	}
}

func applyInitiation(txn *Transaction, ev Event, now time.Time) (Transition, error) {
	if txn.State != StateCreated {
		return Transition{}, fmt.Errorf("%w: initiation event in state %s", ErrInvalidTransition, txn.State)
	}

	from := txn.State

	if ev.Outcome == OutcomeSuccess {
		if ev.Reference == "" {
			return Transition{}, ErrMissingReference
		}

		txn.ExternalReference = ev.Reference
		txn.State = StatePending
	} else {
		txn.State = StateFailed
		txn.Result = &Result{Code: ev.ResultCode, Description: ev.ResultDesc}
	}

	txn.LastTransitionAt = now

	return Transition{From: from, To: txn.State, Event: ev, OccurredAt: now}, nil
}

func applyOutcome(txn *Transaction, ev Event, now time.Time) (Transition, error) {
	if txn.State != StatePending && txn.State != StateUnknown {
		return Transition{}, fmt.Errorf("%w: outcome event in state %s", ErrInvalidTransition, txn.State)
	}

	if ev.Reference != "" && ev.Reference != txn.ExternalReference {
		return Transition{}, fmt.Errorf("%w: got %q, have %q", ErrReferenceMismatch, ev.Reference, txn.ExternalReference)
	}

	if ev.Source == SourcePoll && ev.ObservedAt.Before(txn.LastTransitionAt) {
		return Transition{}, fmt.Errorf("%w: poll started %s, last transition %s",
			ErrStaleEvent, ev.ObservedAt.Format(time.RFC3339Nano), txn.LastTransitionAt.Format(time.RFC3339Nano))
	}

	from := txn.State

	switch {
	case ev.Confidence == ConfidenceHigh && ev.Outcome == OutcomeSuccess:
		txn.State = StateSucceeded
		txn.Receipt = ev.Receipt
		txn.Result = &Result{Code: ev.ResultCode, Description: ev.ResultDesc}
	case ev.Confidence == ConfidenceHigh && ev.Outcome == OutcomeFailure:
		txn.State = StateFailed
		txn.Result = &Result{Code: ev.ResultCode, Description: ev.ResultDesc}
	default:
		// Ambiguous or low-confidence result: hold in UNKNOWN until a
		// definitive callback or poll arrives.
		txn.State = StateUnknown
	}

	txn.LastTransitionAt = now

	return Transition{From: from, To: txn.State, Event: ev, OccurredAt: now}, nil
}

func applyExpiry(txn *Transaction, ev Event, now time.Time) (Transition, error) {
	if txn.State != StatePending && txn.State != StateUnknown {
		return Transition{}, fmt.Errorf("%w: expiry event in state %s", ErrInvalidTransition, txn.State)
	}

	from := txn.State
	txn.State = StateExpired
	txn.Result = &Result{Code: ev.ResultCode, Description: ev.ResultDesc}
	txn.LastTransitionAt = now

	return Transition{From: from, To: txn.State, Event: ev, OccurredAt: now}, nil
}
