// Package backoff provides exponential backoff with full jitter for the
// gateway retry policy and the notification republish loop.
package backoff
