// Package store defines the persistence interfaces for tasks, batches,
// webhook deliveries, providers and API keys, plus the sentinel errors
// every implementation maps onto. The compare-and-swap transition
// contract lives here so higher layers never race on task state.
package store
