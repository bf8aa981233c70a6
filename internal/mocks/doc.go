// Package mocks provides in-memory test doubles for the store interfaces
// and a scriptable provider binding. The store fakes honor the same
// conditional-update semantics as the postgres implementations so race
// behavior can be exercised in unit tests.
package mocks
