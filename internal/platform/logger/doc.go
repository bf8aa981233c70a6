// Package logger sets up the process-wide slog JSON logger from the
// configured level. Every long-running component derives its own child
// logger from it with a component attribute.
package logger
