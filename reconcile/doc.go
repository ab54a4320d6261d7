// Package reconcile resolves transactions whose callbacks never arrived.
//
// A background worker periodically scans the ledger for PENDING and
// UNKNOWN transactions that have not moved recently, polls the gateway for
// each under the same per-reference lock the callback path uses, and feeds
// the answers through the state machine. Transactions that stay unresolved
// past the SLA window after enough poll attempts are moved to EXPIRED so
// they never linger indefinitely.
package reconcile
