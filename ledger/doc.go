// Package ledger is the durable record of transactions and their state
// history.
//
// The production implementation is PostgreSQL: the transactions table holds
// the current row per transaction, and transaction_events is an append-only
// history with one entry per applied transition. Both are written inside a
// single database transaction so that "insert history + update current
// state" is atomic, and the update carries an optimistic state guard so a
// lost race surfaces as ErrStaleState instead of a silent double-apply.
// A unique partial index on external_reference enforces that at most one
// transaction owns a gateway reference.
//
// Memory is a process-local implementation with the same semantics, used by
// the pipeline, worker and service tests.
package ledger
