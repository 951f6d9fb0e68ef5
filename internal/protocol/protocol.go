// ABOUTME: JSON wire envelope and payload types for the agent link protocol
// ABOUTME: Defines both message families (agent→relay, relay→agent) and the decoder

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned by Decode when the envelope type is not part of
// either message family. Receivers log and ignore these frames so that new
// message types can be introduced without breaking older peers.
var ErrUnknownType = errors.New("unknown message type")

// Agent→relay message types.
const (
	TypeAgentConnect        = "agent:connect"
	TypeAgentDisconnect     = "agent:disconnect"
	TypeAgentProjects       = "agent:projects"
	TypeAgentAIOutput       = "agent:ai:output"
	TypeAgentAIStatus       = "agent:ai:status"
	TypeAgentPing           = "agent:ping"
	TypeAgentSessionRestore = "agent:session:restore"
	TypeAgentTaskCreate     = "agent:task:create"
	TypeAgentTaskStart      = "agent:task:start"
	TypeAgentTaskComplete   = "agent:task:complete"
	TypeAgentTaskFail       = "agent:task:fail"
	TypeAgentTaskComment    = "agent:task:comment"
)

// Relay→agent message types.
const (
	TypeServerConnectAck        = "server:connect:ack"
	TypeServerSessionStart      = "server:session:start"
	TypeServerSessionEnd        = "server:session:end"
	TypeServerSessionRestored   = "server:session:restored"
	TypeServerAIPrompt          = "server:ai:prompt"
	TypeServerConversationClear = "server:conversation:clear"
	TypeServerConversationExec  = "server:conversation:exec"
	TypeServerPong              = "server:pong"
	TypeServerTaskAssigned      = "server:task:assigned"
	TypeServerTaskCompleted     = "server:task:completed"
	TypeServerTaskList          = "server:task:list"
)

// Envelope is the outer frame for every message on the link.
// Unknown payload fields are ignored by receivers (forward compatibility).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ProjectInfo describes a project directory an agent serves.
type ProjectInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	AITool string `json:"aiTool,omitempty"`
}

// FileRef is a named binary blob carried on the wire (base64 via encoding/json).
type FileRef struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
}

// ConnectPayload authenticates an agent and reports its projects.
type ConnectPayload struct {
	Token        string        `json:"token"`
	MachineName  string        `json:"machineName"`
	Projects     []ProjectInfo `json:"projects"`
	Capabilities []string      `json:"capabilities,omitempty"`
}

// DisconnectPayload announces a clean shutdown.
type DisconnectPayload struct {
	MachineID string `json:"machineId"`
}

// ProjectsPayload refreshes the project list for a connected machine.
type ProjectsPayload struct {
	Projects []ProjectInfo `json:"projects"`
}

// AIOutputPayload carries one streamed chunk of AI tool output.
type AIOutputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// AI status values reported by agents.
const (
	AIStatusDone  = "done"
	AIStatusError = "error"
)

// WorkStatePayload is a restart-survivable snapshot of in-progress work.
type WorkStatePayload struct {
	Summary       string         `json:"summary"`
	Todos         []WorkTodo     `json:"todos,omitempty"`
	LastMessage   string         `json:"lastMessage,omitempty"`
	ModifiedFiles []string       `json:"modifiedFiles,omitempty"`
	RestartReason string         `json:"restartReason,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// WorkTodo is one item in a work-state TODO list.
type WorkTodo struct {
	Text   string `json:"text"`
	Status string `json:"status"` // pending, in_progress, completed
}

// AIStatusPayload signals completion (or failure) of a dispatched prompt.
type AIStatusPayload struct {
	SessionID         string            `json:"sessionId"`
	Status            string            `json:"status"` // done, error
	ContinuationToken string            `json:"continuationToken,omitempty"`
	ResultFiles       []FileRef         `json:"resultFiles,omitempty"`
	Error             string            `json:"error,omitempty"`
	WorkState         *WorkStatePayload `json:"workState,omitempty"`
}

// PingPayload is the application-level liveness probe. Timestamp is the
// agent's clock; the relay records it as durable last-seen state.
type PingPayload struct {
	MachineID string    `json:"machineId"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRestorePayload asks the relay for the still-active session on a
// (machine, project) pair after a reconnect.
type SessionRestorePayload struct {
	MachineName string `json:"machineName"`
	ProjectPath string `json:"projectPath"`
}

// TaskCreatePayload creates a cross-project ticket.
type TaskCreatePayload struct {
	SenderProjectPath   string    `json:"senderProjectPath"`
	ReceiverMachine     string    `json:"receiverMachine,omitempty"`
	ReceiverProjectPath string    `json:"receiverProjectPath,omitempty"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	Priority            string    `json:"priority,omitempty"`
	ParentTaskID        string    `json:"parentTaskId,omitempty"`
	Attachments         []FileRef `json:"attachments,omitempty"`
}

// TaskStartPayload moves a ticket to in_progress.
type TaskStartPayload struct {
	TaskID              string `json:"taskId"`
	ExecutorProjectPath string `json:"executorProjectPath"`
}

// TaskCompletePayload finishes a ticket with result notes and files.
type TaskCompletePayload struct {
	TaskID              string    `json:"taskId"`
	ExecutorProjectPath string    `json:"executorProjectPath"`
	Notes               string    `json:"notes,omitempty"`
	ResultFiles         []FileRef `json:"resultFiles,omitempty"`
}

// TaskFailPayload marks a ticket failed.
type TaskFailPayload struct {
	TaskID              string `json:"taskId"`
	ExecutorProjectPath string `json:"executorProjectPath"`
	Error               string `json:"error"`
}

// TaskCommentPayload appends a comment without changing status.
type TaskCommentPayload struct {
	TaskID      string `json:"taskId"`
	ProjectPath string `json:"projectPath"`
	Text        string `json:"text"`
}

// ConnectAckPayload acknowledges a successful connect.
type ConnectAckPayload struct {
	MachineID string `json:"machineId"`
	ServerID  string `json:"serverId"`
}

// SessionStartPayload tells an agent a session opened on one of its projects.
type SessionStartPayload struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
	AITool      string `json:"aiTool,omitempty"`
}

// SessionEndPayload tells an agent a session ended.
type SessionEndPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionRestoredPayload answers agent:session:restore with enough identity
// for the agent to resume output routing without operator involvement.
type SessionRestoredPayload struct {
	SessionID   string `json:"sessionId"`
	ChatID      string `json:"chatId"`
	Platform    string `json:"platform"`
	ProjectPath string `json:"projectPath"`
}

// AIPromptPayload dispatches a prompt to the agent's AI tool.
type AIPromptPayload struct {
	SessionID         string            `json:"sessionId"`
	Prompt            string            `json:"prompt"`
	ContinuationToken string            `json:"continuationToken,omitempty"`
	WorkState         *WorkStatePayload `json:"workState,omitempty"`
}

// ConversationClearPayload instructs the agent to drop local session memory.
type ConversationClearPayload struct {
	SessionID string `json:"sessionId"`
}

// ConversationExecPayload marks the plan→exec transition on the agent side.
type ConversationExecPayload struct {
	SessionID string `json:"sessionId"`
}

// PongPayload echoes the ping timestamp.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// TaskRef is the wire shape of a ticket for notifications and listings.
type TaskRef struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Priority            string    `json:"priority"`
	Status              string    `json:"status"`
	SenderProjectPath   string    `json:"senderProjectPath,omitempty"`
	ReceiverProjectPath string    `json:"receiverProjectPath,omitempty"`
	Result              string    `json:"result,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TaskAssignedPayload notifies the receiving machine of a new ticket.
type TaskAssignedPayload struct {
	Task TaskRef `json:"task"`
}

// TaskCompletedPayload notifies the sending machine of a resolved ticket.
type TaskCompletedPayload struct {
	Task TaskRef `json:"task"`
}

// TaskListPayload answers a backlog request with pending incoming tickets.
type TaskListPayload struct {
	ProjectPath string    `json:"projectPath,omitempty"`
	Tasks       []TaskRef `json:"tasks"`
}

// Marshal wraps a payload in an envelope and encodes it.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return json.Marshal(&Envelope{Type: msgType, Payload: raw})
}

// Decode parses a raw frame and returns the typed payload for its type.
// Returns ErrUnknownType (with the envelope type intact in env) for message
// types outside both families.
func Decode(data []byte) (env *Envelope, payload any, err error) {
	env = &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return env, nil, errors.New("envelope missing type")
	}

	payload = newPayload(env.Type)
	if payload == nil {
		return env, nil, ErrUnknownType
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return env, nil, fmt.Errorf("decoding %s payload: %w", env.Type, err)
		}
	}
	return env, payload, nil
}

// newPayload returns a zero payload struct for a message type, or nil for
// types outside both families.
func newPayload(msgType string) any {
	switch msgType {
	case TypeAgentConnect:
		return &ConnectPayload{}
	case TypeAgentDisconnect:
		return &DisconnectPayload{}
	case TypeAgentProjects:
		return &ProjectsPayload{}
	case TypeAgentAIOutput:
		return &AIOutputPayload{}
	case TypeAgentAIStatus:
		return &AIStatusPayload{}
	case TypeAgentPing:
		return &PingPayload{}
	case TypeAgentSessionRestore:
		return &SessionRestorePayload{}
	case TypeAgentTaskCreate:
		return &TaskCreatePayload{}
	case TypeAgentTaskStart:
		return &TaskStartPayload{}
	case TypeAgentTaskComplete:
		return &TaskCompletePayload{}
	case TypeAgentTaskFail:
		return &TaskFailPayload{}
	case TypeAgentTaskComment:
		return &TaskCommentPayload{}
	case TypeServerConnectAck:
		return &ConnectAckPayload{}
	case TypeServerSessionStart:
		return &SessionStartPayload{}
	case TypeServerSessionEnd:
		return &SessionEndPayload{}
	case TypeServerSessionRestored:
		return &SessionRestoredPayload{}
	case TypeServerAIPrompt:
		return &AIPromptPayload{}
	case TypeServerConversationClear:
		return &ConversationClearPayload{}
	case TypeServerConversationExec:
		return &ConversationExecPayload{}
	case TypeServerPong:
		return &PongPayload{}
	case TypeServerTaskAssigned:
		return &TaskAssignedPayload{}
	case TypeServerTaskCompleted:
		return &TaskCompletedPayload{}
	case TypeServerTaskList:
		return &TaskListPayload{}
	default:
		return nil
	}
}
