// Package events publishes terminal transaction outcomes to RabbitMQ so
// downstream consumers (order fulfilment, notifications, finance exports)
// learn about resolved payments without polling the ledger.
//
// Publishing uses broker confirm mode: an event is only considered
// delivered once the broker acks it. Nacks and transport failures are
// retried with jittered exponential backoff up to a bounded attempt
// ceiling; a confirmation timeout invalidates the channel, because the
// late confirm would desynchronize the stream. Publishing is best-effort
// beyond that and the ledger stays the source of truth.
package events
