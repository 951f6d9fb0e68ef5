// ABOUTME: Cross-project task persistence with conditional status transitions
// ABOUTME: Every mutation commits atomically with its append-only activity-log row

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, sender_project_id, receiver_project_id, executor_project_id, parent_id,
	name, description, priority, status, result, created_at, assigned_at, started_at, completed_at`

// scanTask reads one task row.
func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	var createdAt string
	var assignedAt, startedAt, completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.SenderProjectID, &t.ReceiverProjectID, &t.ExecutorProjectID,
		&t.ParentID, &t.Name, &t.Description, &t.Priority, &t.Status, &t.Result,
		&createdAt, &assignedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{assignedAt, &t.AssignedAt},
		{startedAt, &t.StartedAt},
		{completedAt, &t.CompletedAt},
	} {
		if f.src.Valid {
			parsed, err := parseTime(f.src.String)
			if err != nil {
				return nil, fmt.Errorf("parsing task timestamp: %w", err)
			}
			*f.dst = &parsed
		}
	}
	return t, nil
}

// appendActivityTx inserts an activity row within an open transaction.
func appendActivityTx(ctx context.Context, tx *sql.Tx, a *TaskActivity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_activity_log (id, task_id, action, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, a.Action, a.Detail, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending task activity: %w", err)
	}
	return nil
}

// CreateTask inserts a new ticket together with its creation activity row.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task, activity *TaskActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	var assignedAt *string
	if t.AssignedAt != nil {
		v := fmtTime(*t.AssignedAt)
		assignedAt = &v
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, sender_project_id, receiver_project_id, executor_project_id, parent_id,
			name, description, priority, status, result, created_at, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SenderProjectID, t.ReceiverProjectID, t.ExecutorProjectID, t.ParentID,
		t.Name, t.Description, t.Priority, t.Status, t.Result, fmtTime(t.CreatedAt), assignedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	if err := appendActivityTx(ctx, tx, activity); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task create: %w", err)
	}
	return nil
}

// GetTask retrieves a ticket by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// transitionTask runs a guarded status update plus its activity row in one
// transaction. The WHERE status = expected guard is what makes concurrent
// duplicate transitions safe: exactly one writer wins, the rest observe
// ErrStatusConflict.
func (s *SQLiteStore) transitionTask(ctx context.Context, query string, args []any, activity *TaskActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStatusConflict
	}

	if err := appendActivityTx(ctx, tx, activity); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task transition: %w", err)
	}
	return nil
}

// MarkTaskAssigned moves pending → assigned and binds the receiver project.
func (s *SQLiteStore) MarkTaskAssigned(ctx context.Context, id, receiverProjectID string, at time.Time, activity *TaskActivity) error {
	return s.transitionTask(ctx, `
		UPDATE tasks SET status = 'assigned', receiver_project_id = ?, assigned_at = ?
		WHERE id = ? AND status = 'pending'
	`, []any{receiverProjectID, fmtTime(at), id}, activity)
}

// MarkTaskStarted moves assigned → in_progress and binds the executor project.
func (s *SQLiteStore) MarkTaskStarted(ctx context.Context, id, executorProjectID string, at time.Time, activity *TaskActivity) error {
	return s.transitionTask(ctx, `
		UPDATE tasks SET status = 'in_progress', executor_project_id = ?, started_at = ?
		WHERE id = ? AND status = 'assigned'
	`, []any{executorProjectID, fmtTime(at), id}, activity)
}

// MarkTaskCompleted moves in_progress → completed with result notes.
func (s *SQLiteStore) MarkTaskCompleted(ctx context.Context, id, executorProjectID, result string, at time.Time, activity *TaskActivity) error {
	return s.transitionTask(ctx, `
		UPDATE tasks SET status = 'completed', executor_project_id = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = 'in_progress'
	`, []any{executorProjectID, result, fmtTime(at), id}, activity)
}

// MarkTaskFailed moves in_progress → failed, carrying the error text in result.
func (s *SQLiteStore) MarkTaskFailed(ctx context.Context, id, executorProjectID, result string, at time.Time, activity *TaskActivity) error {
	return s.transitionTask(ctx, `
		UPDATE tasks SET status = 'failed', executor_project_id = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = 'in_progress'
	`, []any{executorProjectID, result, fmtTime(at), id}, activity)
}

// priorityOrder sorts urgent first. Priority is a listing sort key only,
// never a notification scheduling weight.
const priorityOrder = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	ELSE 3
END`

// ListIncomingTasks returns undelivered tickets for a receiver project,
// urgent first, oldest first within a priority. This is the pull-based
// catch-up path for agents that were offline at assignment time.
func (s *SQLiteStore) ListIncomingTasks(ctx context.Context, receiverProjectID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE receiver_project_id = ? AND status IN ('pending', 'assigned')
		ORDER BY `+priorityOrder+`, created_at
	`, receiverProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing incoming tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksBySender returns every ticket a project has created, newest first.
func (s *SQLiteStore) ListTasksBySender(ctx context.Context, senderProjectID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE sender_project_id = ?
		ORDER BY created_at DESC
	`, senderProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks by sender: %w", err)
	}
	return collectTasks(rows)
}

// ListSubtasks returns the direct children of a parent ticket.
func (s *SQLiteStore) ListSubtasks(ctx context.Context, parentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE parent_id = ?
		ORDER BY created_at
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks: %w", err)
	}
	return collectTasks(rows)
}

// collectTasks drains a task result set.
func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AddTaskComment appends a comment and its activity row atomically.
func (s *SQLiteStore) AddTaskComment(ctx context.Context, c *TaskComment, activity *TaskActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning comment transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_comments (id, task_id, project_id, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.TaskID, c.ProjectID, c.Text, fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting comment: %w", err)
	}

	if err := appendActivityTx(ctx, tx, activity); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing comment: %w", err)
	}
	return nil
}

// ListTaskComments returns a ticket's comments in append order.
func (s *SQLiteStore) ListTaskComments(ctx context.Context, taskID string) ([]*TaskComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, project_id, text, created_at
		FROM task_comments WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	defer rows.Close()

	var comments []*TaskComment
	for rows.Next() {
		c := &TaskComment{}
		var createdAt string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.ProjectID, &c.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning comment: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// AddTaskAttachment stores a binary attachment with its uploader reference.
func (s *SQLiteStore) AddTaskAttachment(ctx context.Context, a *TaskAttachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attachments (id, task_id, uploader_project_id, filename, mime_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, a.UploaderProjectID, a.Filename, a.MimeType, a.Data, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

// ListTaskAttachments returns a ticket's attachments in upload order.
func (s *SQLiteStore) ListTaskAttachments(ctx context.Context, taskID string) ([]*TaskAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, uploader_project_id, filename, mime_type, data, created_at
		FROM task_attachments WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*TaskAttachment
	for rows.Next() {
		a := &TaskAttachment{}
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.UploaderProjectID, &a.Filename, &a.MimeType, &a.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// ListTaskActivity returns the immutable audit trail for a ticket.
func (s *SQLiteStore) ListTaskActivity(ctx context.Context, taskID string) ([]*TaskActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, detail_json, created_at
		FROM task_activity_log WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task activity: %w", err)
	}
	defer rows.Close()

	var activity []*TaskActivity
	for rows.Next() {
		a := &TaskActivity{}
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &a.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task activity: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}
