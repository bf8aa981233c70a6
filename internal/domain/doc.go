// Package domain holds the task, batch, provider and webhook delivery
// entities together with their lifecycle rules: the state machine,
// priority bands, progress monotonicity and batch status derivation.
package domain
