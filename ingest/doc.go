// Package ingest turns raw gateway callback deliveries into ledger state
// transitions, exactly once per distinct payload.
//
// The pipeline is: parse and validate the envelope, claim the
// (reference, payload-hash) pair in Redis to drop duplicate deliveries,
// take the per-reference distributed lock, load the transaction, run the
// event through the state machine and persist the transition. Terminal
// outcomes additionally emit a resolved-transaction event; event publishing
// is best-effort and never fails the ingestion.
package ingest
