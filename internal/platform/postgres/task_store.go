package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/platform/logger"
	"github.com/videoai/orchestrator/internal/store"
)

// taskColumns is the select list shared by every task query, matching the
// scan order in scanTask.
const taskColumns = `id, type, state, priority, input, output, progress, progress_message,
	attempt_count, max_retries, last_error, assigned_provider, batch_id,
	webhook_url, webhook_secret, metadata, enqueued_at, started_at, completed_at,
	created_at, updated_at`

// PostgresTaskStore implements store.TaskStore using PostgreSQL. State
// transitions are conditional UPDATEs so concurrent writers resolve races
// in the database, not in application locks.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) *PostgresTaskStore {
	return &PostgresTaskStore{db: tx}
}

// CreateTask persists a new task.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, type, state, priority, input, output, progress, progress_message,
			attempt_count, max_retries, last_error, assigned_provider, batch_id,
			webhook_url, webhook_secret, metadata, enqueued_at, started_at, completed_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		task.State,
		int(task.Priority),
		[]byte(task.Input),
		nullBytes(task.Output),
		task.Progress,
		task.ProgressMessage,
		task.AttemptCount,
		task.MaxRetries,
		task.LastError,
		task.AssignedProvider,
		uuidOrNil(task.BatchID),
		task.WebhookURL,
		task.WebhookSecret,
		nullBytes(task.Metadata),
		task.EnqueuedAt,
		task.StartedAt,
		task.CompletedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to insert task", "task_id", task.ID, "error", err)
		return MapError(err)
	}

	return nil
}

// GetTask returns the task with the given ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}

	return task, nil
}

// TransitionState atomically moves the task to the target state when its
// current state is in the expected set, applying the field updates in the
// same statement. Zero rows affected means either the task is gone
// (ErrTaskNotFound) or another writer won the race (ErrStaleState).
func (s *PostgresTaskStore) TransitionState(
	ctx context.Context,
	id uuid.UUID,
	from []domain.TaskState,
	to domain.TaskState,
	update store.TaskUpdate,
) error {
	log := logger.FromContext(ctx)

	sets := []string{"state = $1", "updated_at = $2"}
	args := []any{to, time.Now().UTC()}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Output != nil {
		addSet("output", update.Output)
	} else if update.ClearOutput {
		sets = append(sets, "output = NULL")
	}
	if update.LastError != nil {
		addSet("last_error", *update.LastError)
	}
	if update.AssignedProvider != nil {
		addSet("assigned_provider", *update.AssignedProvider)
	}
	if update.AttemptCount != nil {
		addSet("attempt_count", *update.AttemptCount)
	}
	if update.Progress != nil {
		addSet("progress", *update.Progress)
	}
	if update.ProgressMessage != nil {
		addSet("progress_message", *update.ProgressMessage)
	}
	if update.StartedAt != nil {
		addSet("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		addSet("completed_at", *update.CompletedAt)
	}

	args = append(args, id)
	idArg := len(args)
	args = append(args, stateStrings(from))
	stateArg := len(args)

	query := fmt.Sprintf(
		"UPDATE tasks SET %s WHERE id = $%d AND state = ANY($%d)",
		strings.Join(sets, ", "), idArg, stateArg,
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to transition task state",
			"task_id", id,
			"to", to,
			"error", err)
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing task from a lost race.
	var current domain.TaskState
	err = s.db.QueryRowContext(ctx, "SELECT state FROM tasks WHERE id = $1", id).Scan(&current)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return MapError(err)
	}

	return fmt.Errorf("%w: task %s is %s, expected one of %v", store.ErrStaleState, id, current, from)
}

// UpdateProgress records a progress report. Progress is clamped into [0,1]
// and applied monotonically in the database with GREATEST, so stale
// out-of-order reports never move it backwards. Reports for tasks that
// already left the active states return store.ErrStaleState so callers do
// not act on a dead update.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, message string) error {
	query := `
		UPDATE tasks
		SET progress = GREATEST(progress, LEAST($1, 1.0)),
			progress_message = CASE
				WHEN $2 <> '' AND LEAST($1, 1.0) >= progress THEN $2
				ELSE progress_message
			END,
			updated_at = $3
		WHERE id = $4 AND state IN ('dispatched', 'processing')
	`

	result, err := s.db.ExecContext(ctx, query, progress, message, time.Now().UTC(), id)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrStaleState
	}
	return nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *PostgresTaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	var conditions []string
	var args []any

	if filter.State != "" {
		args = append(args, filter.State)
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListByStates returns all tasks in any of the given states, oldest first.
func (s *PostgresTaskStore) ListByStates(ctx context.Context, states ...domain.TaskState) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE state = ANY($1) ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, stateStrings(states))
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks aggregates task counts by state and by type.
func (s *PostgresTaskStore) CountTasks(ctx context.Context) (*store.TaskCounts, error) {
	counts := &store.TaskCounts{
		ByState: make(map[domain.TaskState]int64),
		ByType:  make(map[domain.TaskType]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var state domain.TaskState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts.ByState[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM tasks GROUP BY type`)
	if err != nil {
		return nil, MapError(err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var taskType domain.TaskType
		var n int64
		if err := typeRows.Scan(&taskType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		counts.ByType[taskType] = n
	}
	if err := typeRows.Err(); err != nil {
		return nil, MapError(err)
	}

	return counts, nil
}

// NextEventSeq atomically increments and returns the task's webhook event
// counter.
func (s *PostgresTaskStore) NextEventSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET event_seq = event_seq + 1 WHERE id = $1 RETURNING event_seq`,
		id,
	).Scan(&seq)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return 0, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return 0, MapError(err)
	}
	return seq, nil
}

// DeleteTerminalBefore removes terminal tasks completed before the cutoff.
func (s *PostgresTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE state IN ('completed', 'failed', 'cancelled')
		   AND completed_at IS NOT NULL AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, MapError(err)
	}
	return result.RowsAffected()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var priority int
	var output, metadata []byte
	var batchID uuid.NullUUID
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.State,
		&priority,
		(*[]byte)(&task.Input),
		&output,
		&task.Progress,
		&task.ProgressMessage,
		&task.AttemptCount,
		&task.MaxRetries,
		&task.LastError,
		&task.AssignedProvider,
		&batchID,
		&task.WebhookURL,
		&task.WebhookSecret,
		&metadata,
		&task.EnqueuedAt,
		&startedAt,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Priority = domain.TaskPriority(priority)
	task.Output = output
	task.Metadata = metadata
	if batchID.Valid {
		id := batchID.UUID
		task.BatchID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}

	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

func stateStrings(states []domain.TaskState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
