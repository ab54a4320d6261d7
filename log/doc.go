// Package log defines the structured logging facade used across the payment
// core, together with a zap-backed implementation and a no-op logger for
// tests and nil-safe defaults.
//
// Components depend on the Logger interface only; the concrete backend is
// chosen once at bootstrap.
package log
