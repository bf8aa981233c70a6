// Package postgres implements the store interfaces on PostgreSQL.
// State transitions compile to conditional UPDATEs so the first writer
// wins, progress updates clamp with GREATEST, and webhook delivery
// polling returns only each task's head-of-line row.
package postgres
