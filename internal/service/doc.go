// Package service contains the application-level use cases: task intake,
// cancellation and retry, startup recovery, and background maintenance. It
// coordinates the stores, the scheduler and the webhook notifier without
// owning any of their mechanics.
package service
