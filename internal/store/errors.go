package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store. This is a generic version of the entity-specific not found
	// errors (e.g., ErrTaskNotFound, ErrBatchNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrStaleState is returned when a conditional state update matched no
	// row because another writer transitioned the task first. Terminal
	// states are sticky: the first terminal write wins and later writers
	// observe this error.
	ErrStaleState = errors.New("task state changed concurrently")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrBatchNotFound indicates that the requested batch does not exist.
	ErrBatchNotFound = fmt.Errorf("%w: batch", ErrNotFound)

	// ErrProviderNotFound indicates that the requested provider record does
	// not exist.
	ErrProviderNotFound = fmt.Errorf("%w: provider", ErrNotFound)

	// ErrAPIKeyNotFound indicates that no API key matched the presented
	// credential.
	ErrAPIKeyNotFound = fmt.Errorf("%w: api key", ErrNotFound)
)
