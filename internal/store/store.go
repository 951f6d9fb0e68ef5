// ABOUTME: Store interface and data types for devrelay persistence
// ABOUTME: Defines Machine, Project, Session, Task entities and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a natural-key constraint.
var ErrDuplicate = errors.New("already exists")

// ErrStatusConflict is returned when a conditional task-status update finds the
// row in a different state than expected. Callers racing on the same ticket
// treat this as "somebody else got there first", not as corruption.
var ErrStatusConflict = errors.New("task status conflict")

// Machine status values.
const (
	MachineOnline  = "online"
	MachineOffline = "offline"
)

// Machine is one remote host running an agent.
type Machine struct {
	ID          string
	Name        string
	TokenDigest string // SHA-256 hex of the bearer token; the token itself is never stored
	Status      string // online, offline
	LastSeen    *time.Time
	CreatedAt   time.Time
}

// Project is a work location (a directory) inside a machine.
type Project struct {
	ID        string
	MachineID string
	Name      string
	Path      string
	AITool    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session is one conversation between a chat participant set and a
// (machine, project, AI tool) triple.
type Session struct {
	ID                string
	MachineID         string
	ProjectID         string
	Status            string // active, ended
	AITool            string
	ContinuationToken string // opaque resumable-session token from the AI tool, empty if none
	StartedAt         time.Time
	EndedAt           *time.Time
}

// Participant is a chat identity attached to a session.
type Participant struct {
	SessionID string
	Platform  string
	ChatID    string
}

// Conversation entry roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleExecMarker = "exec_marker"
)

// ConversationEntry is one append-only row in a session's history log.
// Exec-marker entries are sentinels, never sent to the AI tool.
type ConversationEntry struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// WorkState is the single pending restart-survivable snapshot for a project.
type WorkState struct {
	ProjectID     string
	Summary       string
	TodosJSON     string // serialized []protocol.WorkTodo
	LastMessage   string
	ModifiedFiles string // serialized []string
	RestartReason string
	CreatedAt     time.Time
}

// ArchivedWorkState is a consumed snapshot, kept forever.
type ArchivedWorkState struct {
	ID         string
	WorkState
	ArchivedAt time.Time
}

// Task status values. Status only moves forward:
// pending → assigned → in_progress → completed | failed.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task priority values, in ascending order of urgency.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Task is a cross-project ticket.
type Task struct {
	ID                string
	SenderProjectID   string
	ReceiverProjectID *string
	ExecutorProjectID *string
	ParentID          *string
	Name              string
	Description       string
	Priority          string
	Status            string
	Result            string
	CreatedAt         time.Time
	AssignedAt        *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// TaskComment is an append-only comment on a ticket.
type TaskComment struct {
	ID        string
	TaskID    string
	ProjectID string
	Text      string
	CreatedAt time.Time
}

// TaskAttachment is a binary blob attached to a ticket.
type TaskAttachment struct {
	ID                string
	TaskID            string
	UploaderProjectID string
	Filename          string
	MimeType          string
	Data              []byte
	CreatedAt         time.Time
}

// TaskActivity is one immutable audit-log row. There are no update or delete
// operations for this table; it is the dispute-resolution record.
type TaskActivity struct {
	ID        string
	TaskID    string
	Action    string
	Detail    string // serialized JSON
	CreatedAt time.Time
}

// Store defines the persistence operations the relay core needs.
type Store interface {
	// Machines
	CreateMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, id string) (*Machine, error)
	GetMachineByName(ctx context.Context, name string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)
	UpdateMachineStatus(ctx context.Context, id, status string) error
	UpdateMachineLastSeen(ctx context.Context, id string, seen time.Time) error
	DeleteMachine(ctx context.Context, id string) error

	// Projects (upserted by natural key machine_id+name, never deleted by agents)
	UpsertProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByPath(ctx context.Context, machineID, path string) (*Project, error)
	FirstProject(ctx context.Context, machineID string) (*Project, error)
	ListProjects(ctx context.Context, machineID string) ([]*Project, error)

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindActiveSession(ctx context.Context, machineID, projectID string) (*Session, error)
	FindActiveSessionByParticipant(ctx context.Context, platform, chatID string) (*Session, error)
	ListActiveSessionsByMachine(ctx context.Context, machineID string) ([]*Session, error)
	EndSession(ctx context.Context, id string, endedAt time.Time) error
	UpdateSessionContinuation(ctx context.Context, id, token string) error
	AddParticipant(ctx context.Context, p *Participant) error
	ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error)

	// Conversation entries
	AppendEntry(ctx context.Context, e *ConversationEntry) error
	ListEntries(ctx context.Context, sessionID string) ([]*ConversationEntry, error)
	ClearEntries(ctx context.Context, sessionID string) error

	// Work states
	SaveWorkState(ctx context.Context, ws *WorkState) error
	GetWorkState(ctx context.Context, projectID string) (*WorkState, error)
	ArchiveWorkState(ctx context.Context, projectID string) error
	ListArchivedWorkStates(ctx context.Context, projectID string, limit int) ([]*ArchivedWorkState, error)

	// Tasks. The Mark* methods are conditional updates guarded on the expected
	// current status; they return ErrStatusConflict when the guard fails.
	CreateTask(ctx context.Context, t *Task, activity *TaskActivity) error
	GetTask(ctx context.Context, id string) (*Task, error)
	MarkTaskAssigned(ctx context.Context, id, receiverProjectID string, at time.Time, activity *TaskActivity) error
	MarkTaskStarted(ctx context.Context, id, executorProjectID string, at time.Time, activity *TaskActivity) error
	MarkTaskCompleted(ctx context.Context, id, executorProjectID, result string, at time.Time, activity *TaskActivity) error
	MarkTaskFailed(ctx context.Context, id, executorProjectID, result string, at time.Time, activity *TaskActivity) error
	ListIncomingTasks(ctx context.Context, receiverProjectID string) ([]*Task, error)
	ListTasksBySender(ctx context.Context, senderProjectID string) ([]*Task, error)
	ListSubtasks(ctx context.Context, parentID string) ([]*Task, error)

	// Task comments, attachments, activity log
	AddTaskComment(ctx context.Context, c *TaskComment, activity *TaskActivity) error
	ListTaskComments(ctx context.Context, taskID string) ([]*TaskComment, error)
	AddTaskAttachment(ctx context.Context, a *TaskAttachment) error
	ListTaskAttachments(ctx context.Context, taskID string) ([]*TaskAttachment, error)
	ListTaskActivity(ctx context.Context, taskID string) ([]*TaskActivity, error)

	// Close releases any resources held by the store.
	Close() error
}
