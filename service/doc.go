// Package service implements the payment use cases on top of the ledger,
// the gateway client and the per-reference locks: requesting a payment and
// reading a transaction back.
package service
