// ABOUTME: Session, participant and conversation-entry persistence
// ABOUTME: Active-session lookup by pair and by chat participant for restore/routing

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = "id, machine_id, project_id, status, ai_tool, continuation_token, started_at, ended_at"

// scanSession reads one session row.
func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &sess.MachineID, &sess.ProjectID, &sess.Status,
		&sess.AITool, &sess.ContinuationToken, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	var err error
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return sess, nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, machine_id, project_id, status, ai_tool, continuation_token, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.MachineID, sess.ProjectID, sess.Status, sess.AITool,
		sess.ContinuationToken, fmtTime(sess.StartedAt))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// FindActiveSession returns the newest active session for a (machine, project)
// pair. Duplicate active sessions are not prevented by the schema; ordering by
// started_at DESC makes restore pick the newest deterministically.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, machineID, projectID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE machine_id = ? AND project_id = ? AND status = 'active'
		ORDER BY started_at DESC LIMIT 1
	`, machineID, projectID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return sess, nil
}

// FindActiveSessionByParticipant returns the newest active session that a
// chat identity participates in.
func (s *SQLiteStore) FindActiveSessionByParticipant(ctx context.Context, platform, chatID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+qualifiedSessionColumns+` FROM sessions s
		JOIN session_participants p ON p.session_id = s.id
		WHERE p.platform = ? AND p.chat_id = ? AND s.status = 'active'
		ORDER BY s.started_at DESC LIMIT 1
	`, platform, chatID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by participant: %w", err)
	}
	return sess, nil
}

const qualifiedSessionColumns = "s.id, s.machine_id, s.project_id, s.status, s.ai_tool, s.continuation_token, s.started_at, s.ended_at"

// ListActiveSessionsByMachine returns every active session on a machine,
// used for the disconnect cascade.
func (s *SQLiteStore) ListActiveSessionsByMachine(ctx context.Context, machineID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE machine_id = ? AND status = 'active'
		ORDER BY started_at
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// EndSession marks a session ended.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = 'ended', ended_at = ? WHERE id = ? AND status = 'active'",
		fmtTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionContinuation stores (or discards, when token is empty) the
// AI tool's resumable-session token.
func (s *SQLiteStore) UpdateSessionContinuation(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET continuation_token = ? WHERE id = ?", token, id)
	if err != nil {
		return fmt.Errorf("updating continuation token: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddParticipant attaches a chat identity to a session. Re-adding the same
// identity is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_participants (session_id, platform, chat_id)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, p.SessionID, p.Platform, p.ChatID)
	if err != nil {
		return fmt.Errorf("adding participant: %w", err)
	}
	return nil
}

// ListParticipants returns the chat identities attached to a session.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, platform, chat_id FROM session_participants WHERE session_id = ? ORDER BY platform, chat_id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p := &Participant{}
		if err := rows.Scan(&p.SessionID, &p.Platform, &p.ChatID); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// AppendEntry persists one conversation entry. Entries are append-only.
func (s *SQLiteStore) AppendEntry(ctx context.Context, e *ConversationEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_entries (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.Role, e.Content, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending entry: %w", err)
	}
	return nil
}

// ListEntries returns a session's entries in append order.
func (s *SQLiteStore) ListEntries(ctx context.Context, sessionID string) ([]*ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM conversation_entries
		WHERE session_id = ?
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []*ConversationEntry
	for rows.Next() {
		e := &ConversationEntry{}
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearEntries deletes all entries for a session. This is the hard-reset
// path; conversation history has no archival lifecycle.
func (s *SQLiteStore) ClearEntries(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_entries WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("clearing entries: %w", err)
	}
	return nil
}
