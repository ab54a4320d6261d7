// Package transaction defines the payment transaction domain model and the
// state machine that governs its lifecycle.
//
// A transaction moves through:
//
//	CREATED → PENDING → {SUCCEEDED, FAILED}
//
// plus EXPIRED (terminal, reached from PENDING or UNKNOWN when the SLA
// window elapses without a definitive result) and UNKNOWN (non-terminal
// holding state entered on ambiguous or low-confidence results, re-evaluated
// on the next callback or poll).
//
// Transactions are mutated exclusively through Apply. Callers (the ingestion
// pipeline, the reconciliation worker, the initiation flow) submit Event
// values; they never write state directly. Terminal states absorb: any event
// applied to a terminal transaction returns ErrTerminalState and must be
// logged and discarded by the caller, never treated as a failure.
package transaction
