// Package idempotency is the dedup and mutual-exclusion layer in front of
// the transaction state machine, backed by a shared Redis so that every
// worker process sees the same claims and locks.
//
// Two distinct mechanisms live here:
//
//   - Guard deduplicates callback deliveries: one atomic SET NX EX claim
//     per (external reference, payload hash) pair, with a bounded TTL. A
//     denied claim means the exact same callback was already processed;
//     the caller acknowledges it and applies nothing.
//
//   - Locker serializes all mutations of one transaction: initiation
//     results, callbacks and reconciler polls for the same external
//     reference run one at a time under a short-TTL distributed lock.
//     Contention is an expected condition (ErrLockBusy), meaning "retry
//     shortly", never a request failure.
package idempotency
