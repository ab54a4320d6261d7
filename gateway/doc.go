// Package gateway is the outbound adapter for the M-Pesa Daraja API: STK
// push initiation and STK query status polling, with OAuth token caching,
// bounded per-call timeouts, exponential-backoff retries and a circuit
// breaker in front of the HTTP transport.
//
// The gateway may answer "accepted" for an initiation whose payment later
// fails; callers resolve that ambiguity through callbacks and polling, not
// here. Errors are classified into three sentinels: ErrRejected (permanent,
// the request will never succeed), ErrUnavailable (transient, retried here
// up to the attempt ceiling and then surfaced), and ErrNotFound (the
// gateway does not know the reference).
package gateway
