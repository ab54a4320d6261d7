// Package server exposes the HTTP surface of the payment core and manages
// the process lifecycle: the payment API, the gateway callback endpoint,
// and graceful shutdown of the server and the reconciliation worker.
package server
