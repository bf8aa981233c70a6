package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of media work a task represents.
type TaskType string

// Supported media task types.
const (
	TaskTypeImageGeneration    TaskType = "image_generation"
	TaskTypeVideoGeneration    TaskType = "video_generation"
	TaskTypeAudioTranscription TaskType = "audio_transcription"
	TaskTypeSubtitleGeneration TaskType = "subtitle_generation"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

// Possible task states. Completed, failed and cancelled are terminal.
const (
	TaskStateQueued     TaskState = "queued"
	TaskStateDispatched TaskState = "dispatched"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateCancelled  TaskState = "cancelled"
)

// TaskPriority orders tasks within the scheduler. Higher values are
// dispatched first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityMedium TaskPriority = 1
	PriorityHigh   TaskPriority = 2
	PriorityUrgent TaskPriority = 3
)

// Common validation errors for Task
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrInvalidTaskType    = errors.New("invalid task type")
	ErrInvalidTaskState   = errors.New("invalid task state")
	ErrInvalidPriority    = errors.New("invalid task priority")
	ErrEmptyTaskInput     = errors.New("task input cannot be empty")
	ErrInvalidTransition  = errors.New("invalid task state transition")
	ErrInvalidWebhookURL  = errors.New("webhook URL must start with http:// or https://")
	ErrShortWebhookSecret = errors.New("webhook secret must be at least 16 characters")
)

// allowedTransitions holds the legal state machine edges. Terminal states
// have no outgoing edges.
var allowedTransitions = map[TaskState][]TaskState{
	TaskStateQueued:     {TaskStateDispatched, TaskStateCancelled, TaskStateFailed},
	TaskStateDispatched: {TaskStateProcessing, TaskStateQueued, TaskStateCancelled, TaskStateFailed},
	TaskStateProcessing: {TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateQueued},
	TaskStateCompleted:  {},
	TaskStateFailed:     {},
	TaskStateCancelled:  {},
}

// Task represents one media-generation request tracked through its lifecycle.
// It is the unit of work handed between the scheduler, the dispatcher and
// the webhook notifier.
type Task struct {
	ID               uuid.UUID       `json:"id"`
	Type             TaskType        `json:"type"`
	State            TaskState       `json:"state"`
	Priority         TaskPriority    `json:"priority"`
	Input            json.RawMessage `json:"input"`
	Output           json.RawMessage `json:"output,omitempty"`
	Progress         float64         `json:"progress"`
	ProgressMessage  string          `json:"progress_message,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	MaxRetries       int             `json:"max_retries"`
	LastError        string          `json:"last_error,omitempty"`
	AssignedProvider string          `json:"assigned_provider,omitempty"`
	BatchID          *uuid.UUID      `json:"batch_id,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	WebhookSecret    string          `json:"-"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	EnqueuedAt       time.Time       `json:"enqueued_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewTask creates a queued Task for the given type and input payload.
// It generates the task ID and stamps creation times.
// Returns an error if validation fails.
func NewTask(taskType TaskType, input json.RawMessage, priority TaskPriority) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:         uuid.New(),
		Type:       taskType,
		State:      TaskStateQueued,
		Priority:   priority,
		Input:      input,
		MaxRetries: 3,
		EnqueuedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if !IsValidTaskType(t.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskType, t.Type)
	}

	if !isValidTaskState(t.State) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskState, t.State)
	}

	if t.Priority < PriorityLow || t.Priority > PriorityUrgent {
		return ErrInvalidPriority
	}

	if len(t.Input) == 0 {
		return ErrEmptyTaskInput
	}

	return nil
}

// IsTerminal reports whether the task has reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// IsTerminal reports whether the state permits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from -> to is part of the task
// state machine. Terminal states are sticky.
func CanTransition(from, to TaskState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyProgress records a progress update, clamping it into [0,1] and
// ignoring values below the currently recorded progress. Out-of-order
// provider callbacks must never move progress backwards.
func (t *Task) ApplyProgress(progress float64, message string) {
	if progress > 1 {
		progress = 1
	}
	if progress < t.Progress {
		return
	}
	t.Progress = progress
	if message != "" {
		t.ProgressMessage = message
	}
	t.UpdatedAt = time.Now().UTC()
}

// EffectivePriority returns the priority used for scheduler ordering after
// aging promotions have been applied. The result never exceeds urgent.
func (t *Task) EffectivePriority(promotions int) TaskPriority {
	p := t.Priority + TaskPriority(promotions)
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

// IsValidTaskType checks if the given type is a supported TaskType.
func IsValidTaskType(taskType TaskType) bool {
	switch taskType {
	case TaskTypeImageGeneration, TaskTypeVideoGeneration,
		TaskTypeAudioTranscription, TaskTypeSubtitleGeneration:
		return true
	}
	return false
}

// isValidTaskState checks if the given state is a valid TaskState.
func isValidTaskState(state TaskState) bool {
	switch state {
	case TaskStateQueued, TaskStateDispatched, TaskStateProcessing,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// ParsePriority converts the wire representation of a priority into a
// TaskPriority. An empty string defaults to medium.
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityMedium, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// String returns the wire representation of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "medium"
	}
}
