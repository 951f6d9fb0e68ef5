// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema auto-creation plus machine and project persistence

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not open
	// a second one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS machines (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			token_digest TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'offline',
			last_seen    TEXT,
			created_at   TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			path       TEXT NOT NULL,
			ai_tool    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE(machine_id, name)
		);

		CREATE INDEX IF NOT EXISTS idx_projects_machine ON projects(machine_id);
		CREATE INDEX IF NOT EXISTS idx_projects_path ON projects(machine_id, path);

		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			machine_id         TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			project_id         TEXT NOT NULL REFERENCES projects(id),
			status             TEXT NOT NULL DEFAULT 'active',
			ai_tool            TEXT NOT NULL DEFAULT '',
			continuation_token TEXT NOT NULL DEFAULT '',
			started_at         TEXT NOT NULL,
			ended_at           TEXT,

			CHECK (status IN ('active', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_pair ON sessions(machine_id, project_id, status);

		CREATE TABLE IF NOT EXISTS session_participants (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			platform   TEXT NOT NULL,
			chat_id    TEXT NOT NULL,

			PRIMARY KEY (session_id, platform, chat_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_chat ON session_participants(platform, chat_id);

		CREATE TABLE IF NOT EXISTS conversation_entries (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'exec_marker'))
		);

		CREATE INDEX IF NOT EXISTS idx_entries_session ON conversation_entries(session_id, created_at);

		CREATE TABLE IF NOT EXISTS work_states (
			project_id     TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
			summary        TEXT NOT NULL,
			todos_json     TEXT NOT NULL DEFAULT '',
			last_message   TEXT NOT NULL DEFAULT '',
			modified_files TEXT NOT NULL DEFAULT '',
			restart_reason TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS work_state_archive (
			id             TEXT PRIMARY KEY,
			project_id     TEXT NOT NULL,
			summary        TEXT NOT NULL,
			todos_json     TEXT NOT NULL DEFAULT '',
			last_message   TEXT NOT NULL DEFAULT '',
			modified_files TEXT NOT NULL DEFAULT '',
			restart_reason TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			archived_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ws_archive_project ON work_state_archive(project_id, archived_at DESC);

		CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			sender_project_id   TEXT NOT NULL REFERENCES projects(id),
			receiver_project_id TEXT REFERENCES projects(id),
			executor_project_id TEXT REFERENCES projects(id),
			parent_id           TEXT REFERENCES tasks(id),
			name                TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			priority            TEXT NOT NULL DEFAULT 'normal',
			status              TEXT NOT NULL DEFAULT 'pending',
			result              TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,
			assigned_at         TEXT,
			started_at          TEXT,
			completed_at        TEXT,

			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			CHECK (status IN ('pending', 'assigned', 'in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_receiver ON tasks(receiver_project_id, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_sender ON tasks(sender_project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

		CREATE TABLE IF NOT EXISTS task_comments (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id, created_at);

		CREATE TABLE IF NOT EXISTS task_attachments (
			id                  TEXT PRIMARY KEY,
			task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			uploader_project_id TEXT NOT NULL,
			filename            TEXT NOT NULL,
			mime_type           TEXT NOT NULL DEFAULT '',
			data                BLOB NOT NULL,
			created_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_task ON task_attachments(task_id);

		-- Append-only audit trail. No UPDATE or DELETE statements exist for
		-- this table anywhere in the codebase.
		CREATE TABLE IF NOT EXISTS task_activity_log (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			action      TEXT NOT NULL,
			detail_json TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activity_task ON task_activity_log(task_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// fmtTime serializes a timestamp the way every table stores it.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reverses fmtTime.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// isUniqueViolation reports whether err is a sqlite unique-constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateMachine inserts a new machine row.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *Machine) error {
	query := `
		INSERT INTO machines (id, name, token_digest, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	var lastSeen *string
	if m.LastSeen != nil {
		v := fmtTime(*m.LastSeen)
		lastSeen = &v
	}
	_, err := s.db.ExecContext(ctx, query, m.ID, m.Name, m.TokenDigest, m.Status, lastSeen, fmtTime(m.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting machine: %w", err)
	}
	return nil
}

// scanMachine reads one machine row.
func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	m := &Machine{}
	var lastSeen sql.NullString
	var createdAt string
	if err := row.Scan(&m.ID, &m.Name, &m.TokenDigest, &m.Status, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		m.LastSeen = &t
	}
	return m, nil
}

const machineColumns = "id, name, token_digest, status, last_seen, created_at"

// GetMachine retrieves a machine by id.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE id = ?", id)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying machine: %w", err)
	}
	return m, nil
}

// GetMachineByName retrieves a machine by its unique display name.
func (s *SQLiteStore) GetMachineByName(ctx context.Context, name string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE name = ?", name)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying machine by name: %w", err)
	}
	return m, nil
}

// ListMachines returns all machines ordered by name.
func (s *SQLiteStore) ListMachines(ctx context.Context) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+machineColumns+" FROM machines ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachineStatus sets the online/offline status of a machine.
func (s *SQLiteStore) UpdateMachineStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE machines SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("updating machine status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMachineLastSeen records a durable liveness timestamp.
// Re-applying the same timestamp is a harmless overwrite (idempotent).
func (s *SQLiteStore) UpdateMachineLastSeen(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE machines SET last_seen = ? WHERE id = ?", fmtTime(seen), id)
	if err != nil {
		return fmt.Errorf("updating machine last_seen: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMachine removes a machine and cascades its projects and sessions.
func (s *SQLiteStore) DeleteMachine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM machines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting machine: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProject inserts or refreshes a project by its (machine, name) key.
// Agents never delete projects; only path/tool details are refreshed.
func (s *SQLiteStore) UpsertProject(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO projects (id, machine_id, name, path, ai_tool, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id, name) DO UPDATE SET
			path = excluded.path,
			ai_tool = excluded.ai_tool,
			updated_at = excluded.updated_at
	`
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, query, p.ID, p.MachineID, p.Name, p.Path, p.AITool, now, now)
	if err != nil {
		return fmt.Errorf("upserting project: %w", err)
	}
	return nil
}

const projectColumns = "id, machine_id, name, path, ai_tool, created_at, updated_at"

// scanProject reads one project row.
func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	p := &Project{}
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.MachineID, &p.Name, &p.Path, &p.AITool, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project: %w", err)
	}
	return p, nil
}

// GetProjectByPath retrieves a project by its filesystem path on a machine.
func (s *SQLiteStore) GetProjectByPath(ctx context.Context, machineID, path string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE machine_id = ? AND path = ?", machineID, path)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project by path: %w", err)
	}
	return p, nil
}

// FirstProject returns the oldest project on a machine, used when a ticket
// names only a bare machine as its receiver.
func (s *SQLiteStore) FirstProject(ctx context.Context, machineID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE machine_id = ? ORDER BY created_at, name LIMIT 1", machineID)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying first project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects on a machine ordered by name.
func (s *SQLiteStore) ListProjects(ctx context.Context, machineID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE machine_id = ? ORDER BY name", machineID)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
