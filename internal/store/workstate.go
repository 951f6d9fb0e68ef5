// ABOUTME: Work-state persistence: one pending snapshot per project plus archive
// ABOUTME: Archive moves the pending row into a timestamped record, never deletes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveWorkState upserts the single pending snapshot for a project.
func (s *SQLiteStore) SaveWorkState(ctx context.Context, ws *WorkState) error {
	query := `
		INSERT INTO work_states (project_id, summary, todos_json, last_message, modified_files, restart_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			summary = excluded.summary,
			todos_json = excluded.todos_json,
			last_message = excluded.last_message,
			modified_files = excluded.modified_files,
			restart_reason = excluded.restart_reason,
			created_at = excluded.created_at
	`
	_, err := s.db.ExecContext(ctx, query,
		ws.ProjectID, ws.Summary, ws.TodosJSON, ws.LastMessage,
		ws.ModifiedFiles, ws.RestartReason, fmtTime(ws.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving work state: %w", err)
	}
	return nil
}

// GetWorkState returns the pending snapshot for a project, if any.
func (s *SQLiteStore) GetWorkState(ctx context.Context, projectID string) (*WorkState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, summary, todos_json, last_message, modified_files, restart_reason, created_at
		FROM work_states WHERE project_id = ?
	`, projectID)

	ws := &WorkState{}
	var createdAt string
	err := row.Scan(&ws.ProjectID, &ws.Summary, &ws.TodosJSON, &ws.LastMessage,
		&ws.ModifiedFiles, &ws.RestartReason, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying work state: %w", err)
	}
	if ws.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return ws, nil
}

// ArchiveWorkState moves the pending snapshot into the archive table in one
// transaction. The pending slot is empty afterwards; the archived record is
// never deleted.
func (s *SQLiteStore) ArchiveWorkState(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO work_state_archive (id, project_id, summary, todos_json, last_message, modified_files, restart_reason, created_at, archived_at)
		SELECT ?, project_id, summary, todos_json, last_message, modified_files, restart_reason, created_at, ?
		FROM work_states WHERE project_id = ?
	`, uuid.New().String(), fmtTime(time.Now()), projectID)
	if err != nil {
		return fmt.Errorf("copying work state to archive: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM work_states WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("clearing pending work state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}
	return nil
}

// ListArchivedWorkStates returns archived snapshots newest first.
func (s *SQLiteStore) ListArchivedWorkStates(ctx context.Context, projectID string, limit int) ([]*ArchivedWorkState, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, summary, todos_json, last_message, modified_files, restart_reason, created_at, archived_at
		FROM work_state_archive
		WHERE project_id = ?
		ORDER BY archived_at DESC
		LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archived work states: %w", err)
	}
	defer rows.Close()

	var archived []*ArchivedWorkState
	for rows.Next() {
		a := &ArchivedWorkState{}
		var createdAt, archivedAt string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Summary, &a.TodosJSON, &a.LastMessage,
			&a.ModifiedFiles, &a.RestartReason, &createdAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("scanning archived work state: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if a.ArchivedAt, err = parseTime(archivedAt); err != nil {
			return nil, fmt.Errorf("parsing archived_at: %w", err)
		}
		archived = append(archived, a)
	}
	return archived, rows.Err()
}
