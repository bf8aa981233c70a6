package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewBatch(t *testing.T) {
	t.Parallel()
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	batch, err := NewBatch(ids)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if batch.ID == uuid.Nil {
		t.Error("Expected non-nil batch ID")
	}
	if len(batch.TaskIDs) != 2 {
		t.Errorf("Expected 2 task IDs, got %d", len(batch.TaskIDs))
	}

	_, err = NewBatch(nil)
	if err != ErrEmptyBatch {
		t.Errorf("Expected error %v, got %v", ErrEmptyBatch, err)
	}
}

func TestDeriveBatchStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		states []TaskState
		want   BatchStatus
	}{
		{"all completed", []TaskState{TaskStateCompleted, TaskStateCompleted}, BatchStatusCompleted},
		{"mixed terminal outcomes", []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCancelled}, BatchStatusCompleted},
		{"one still processing", []TaskState{TaskStateCompleted, TaskStateProcessing}, BatchStatusPending},
		{"all queued", []TaskState{TaskStateQueued, TaskStateQueued}, BatchStatusPending},
		{"empty", nil, BatchStatusCompleted},
	}

	for _, tc := range tests {
		if got := DeriveBatchStatus(tc.states); got != tc.want {
			t.Errorf("%s: DeriveBatchStatus = %s, want %s", tc.name, got, tc.want)
		}
	}
}
