// ABOUTME: Conversation service owning session lifecycle and the plan/exec state machine
// ABOUTME: Exec phase is derived from the entry log, never stored as a status column

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

// ExecPrompt is the synthetic instruction dispatched when a session moves
// from planning to execution.
const ExecPrompt = "Proceed with the plan."

// ErrPromptInFlight is returned when a session already has an outstanding
// prompt. A session accepts one prompt at a time; the caller waits for the
// completion signal before dispatching again.
var ErrPromptInFlight = errors.New("prompt already in flight for session")

// ErrAgentUnavailable is returned when the session's machine has no live
// link. Prompts are never queued for offline machines.
var ErrAgentUnavailable = errors.New("agent machine is offline")

// Sender routes messages to a machine's live link. delivered is false with
// a nil error when no link exists.
type Sender interface {
	Send(machineID, msgType string, payload any) (delivered bool, err error)
}

// Service drives sessions: creation, prompt dispatch with context selection,
// the plan/exec transition, and teardown.
type Service struct {
	store   store.Store
	sender  Sender
	logger  *slog.Logger
	context int // entries serialized when no continuation token exists
	plan    int // plan entries carried into the first exec turn

	mu       sync.Mutex
	inFlight map[string]bool // session id → outstanding prompt
}

// NewService creates a conversation Service. contextEntries and planEntries
// bound the serialized history described in Dispatch.
func NewService(s store.Store, sender Sender, contextEntries, planEntries int, logger *slog.Logger) *Service {
	return &Service{
		store:    s,
		sender:   sender,
		logger:   logger.With("component", "conversation"),
		context:  contextEntries,
		plan:     planEntries,
		inFlight: make(map[string]bool),
	}
}

// Start opens a session binding a chat participant to a (machine, project)
// pair and announces it to the agent. Duplicate active sessions for the same
// pair are permitted; restore picks the newest.
func (s *Service) Start(ctx context.Context, machineID string, project *store.Project, participant *store.Participant) (*store.Session, error) {
	sess := &store.Session{
		ID:        uuid.New().String(),
		MachineID: machineID,
		ProjectID: project.ID,
		Status:    store.SessionActive,
		AITool:    project.AITool,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	participant.SessionID = sess.ID
	if err := s.store.AddParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("adding participant: %w", err)
	}

	delivered, err := s.sender.Send(machineID, protocol.TypeServerSessionStart, &protocol.SessionStartPayload{
		SessionID:   sess.ID,
		ProjectPath: project.Path,
		AITool:      project.AITool,
	})
	if err != nil || !delivered {
		// An unannounced session must not stay active: it would trap the
		// participant's surface until a manual /end.
		if endErr := s.store.EndSession(ctx, sess.ID, time.Now()); endErr != nil {
			s.logger.Warn("discarding unannounced session", "error", endErr, "session_id", sess.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("announcing session: %w", err)
		}
		return nil, ErrAgentUnavailable
	}

	s.logger.Info("session started",
		"session_id", sess.ID,
		"machine_id", machineID,
		"project", project.Name,
	)
	return sess, nil
}

// End closes a session and tells the agent to release it.
func (s *Service) End(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.EndSession(ctx, sessionID, time.Now()); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	s.Release(sessionID)

	if _, err := s.sender.Send(sess.MachineID, protocol.TypeServerSessionEnd, &protocol.SessionEndPayload{
		SessionID: sessionID,
	}); err != nil {
		s.logger.Warn("notifying session end", "error", err, "session_id", sessionID)
	}
	s.logger.Info("session ended", "session_id", sessionID)
	return nil
}

// Dispatch appends the user's turn and sends a prompt to the agent. Context
// selection: with a continuation token only the new turn is sent; without
// one, recent history after the latest exec marker is serialized, and the
// first turn after a marker additionally carries plan-phase context. A
// pending work-state snapshot for the project is included exactly once and
// then archived.
func (s *Service) Dispatch(ctx context.Context, sessionID, text string) error {
	if !s.acquire(sessionID) {
		return ErrPromptInFlight
	}
	ok := false
	defer func() {
		if !ok {
			s.Release(sessionID)
		}
	}()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	// History before this turn decides the phase and the context window.
	prior, err := s.store.ListEntries(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}

	if err := s.store.AppendEntry(ctx, &store.ConversationEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("appending user entry: %w", err)
	}

	ws, err := s.consumeWorkState(ctx, sess.ProjectID)
	if err != nil {
		return err
	}

	prompt := buildPrompt(prior, text, sess.ContinuationToken != "", s.context, s.plan)
	payload := &protocol.AIPromptPayload{
		SessionID:         sessionID,
		Prompt:            prompt,
		ContinuationToken: sess.ContinuationToken,
		WorkState:         ws,
	}
	delivered, err := s.sender.Send(sess.MachineID, protocol.TypeServerAIPrompt, payload)
	if err != nil {
		return fmt.Errorf("dispatching prompt: %w", err)
	}
	if !delivered {
		return ErrAgentUnavailable
	}

	ok = true
	s.logger.Info("prompt dispatched",
		"session_id", sessionID,
		"exec", ExecPhase(prior),
		"continuation", sess.ContinuationToken != "",
	)
	return nil
}

// BeginExec moves the session to the execution phase: an exec marker is
// appended, the agent is told about the transition, and the synthetic
// proceed instruction is dispatched. Exec is single-turn; the next user
// turn is planning again.
func (s *Service) BeginExec(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.AppendEntry(ctx, &store.ConversationEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleExecMarker,
		Content:   "",
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("appending exec marker: %w", err)
	}

	if _, err := s.sender.Send(sess.MachineID, protocol.TypeServerConversationExec, &protocol.ConversationExecPayload{
		SessionID: sessionID,
	}); err != nil {
		s.logger.Warn("notifying exec transition", "error", err, "session_id", sessionID)
	}

	return s.Dispatch(ctx, sessionID, ExecPrompt)
}

// Clear is a hard reset: entries are wiped and the continuation token is
// discarded. Nothing is archived.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.ClearEntries(ctx, sessionID); err != nil {
		return fmt.Errorf("clearing entries: %w", err)
	}
	if err := s.store.UpdateSessionContinuation(ctx, sessionID, ""); err != nil {
		return fmt.Errorf("discarding continuation token: %w", err)
	}

	if _, err := s.sender.Send(sess.MachineID, protocol.TypeServerConversationClear, &protocol.ConversationClearPayload{
		SessionID: sessionID,
	}); err != nil {
		s.logger.Warn("notifying conversation clear", "error", err, "session_id", sessionID)
	}
	s.logger.Info("conversation cleared", "session_id", sessionID)
	return nil
}

// CompleteTurn records the outcome of a dispatched prompt: the assistant's
// full text is appended, the continuation token updated, any reported
// work-state snapshot saved, and the dispatch gate released.
func (s *Service) CompleteTurn(ctx context.Context, sessionID, assistantText string, status *protocol.AIStatusPayload) error {
	defer s.Release(sessionID)

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if assistantText != "" {
		if err := s.store.AppendEntry(ctx, &store.ConversationEntry{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Role:      store.RoleAssistant,
			Content:   assistantText,
			CreatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("appending assistant entry: %w", err)
		}
	}

	if status.ContinuationToken != "" && status.ContinuationToken != sess.ContinuationToken {
		if err := s.store.UpdateSessionContinuation(ctx, sessionID, status.ContinuationToken); err != nil {
			return fmt.Errorf("updating continuation token: %w", err)
		}
	}

	if status.WorkState != nil {
		if err := s.saveWorkState(ctx, sess.ProjectID, status.WorkState); err != nil {
			return err
		}
	}
	return nil
}

// Release clears the dispatch gate for a session. The disconnect cascade
// calls this so a vanished agent does not leave the session wedged.
func (s *Service) Release(sessionID string) {
	s.mu.Lock()
	delete(s.inFlight, sessionID)
	s.mu.Unlock()
}

// InFlight reports whether the session has an outstanding prompt.
func (s *Service) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[sessionID]
}

func (s *Service) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[sessionID] {
		return false
	}
	s.inFlight[sessionID] = true
	return true
}

// ExecPhase reports whether the next dispatched prompt is an execution
// turn: true exactly when the last entry is an exec marker. Derived on
// read, never stored.
func ExecPhase(entries []*store.ConversationEntry) bool {
	if len(entries) == 0 {
		return false
	}
	return entries[len(entries)-1].Role == store.RoleExecMarker
}
