// Package config loads the process configuration from environment
// variables. Every knob has a production-safe default except the Daraja
// credentials, which are required and validated at startup so a
// misconfigured process fails fast instead of failing on the first
// payment.
package config
