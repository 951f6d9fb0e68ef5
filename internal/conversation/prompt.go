// ABOUTME: Context-window selection for outbound prompts and work-state snapshots
// ABOUTME: Serializes recent history when the AI tool has no resumable memory

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

// buildPrompt assembles the outbound prompt for one user turn. prior is the
// entry log before this turn. With a continuation token the tool keeps its
// own memory, so only the new turn is sent. Without one, the last
// contextMax non-marker entries after the latest exec marker are serialized
// under "Previous conversation:"; the first turn immediately after a marker
// instead carries up to planMax plan-phase entries under
// "Previous Plan Conversation:" so the tool retains the rationale it has no
// execution memory of.
func buildPrompt(prior []*store.ConversationEntry, text string, hasToken bool, contextMax, planMax int) string {
	if hasToken {
		return text
	}

	markerIdx := -1
	for i, e := range prior {
		if e.Role == store.RoleExecMarker {
			markerIdx = i
		}
	}

	var b strings.Builder

	if ExecPhase(prior) {
		// First turn after the marker: everything before it is plan phase.
		plan := tail(nonMarkers(prior[:markerIdx]), planMax)
		if len(plan) > 0 {
			b.WriteString("Previous Plan Conversation:\n")
			writeEntries(&b, plan)
			b.WriteString("\n")
		}
	} else {
		recent := tail(nonMarkers(prior[markerIdx+1:]), contextMax)
		if len(recent) > 0 {
			b.WriteString("Previous conversation:\n")
			writeEntries(&b, recent)
			b.WriteString("\n")
		}
	}

	b.WriteString(text)
	return b.String()
}

func nonMarkers(entries []*store.ConversationEntry) []*store.ConversationEntry {
	out := make([]*store.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		if e.Role != store.RoleExecMarker {
			out = append(out, e)
		}
	}
	return out
}

func tail(entries []*store.ConversationEntry, n int) []*store.ConversationEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

func writeEntries(b *strings.Builder, entries []*store.ConversationEntry) {
	for _, e := range entries {
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
}

// consumeWorkState loads the project's pending snapshot, archives it, and
// returns its wire form. The snapshot rides on exactly one prompt; after
// archival it is readable only from the archive table.
func (s *Service) consumeWorkState(ctx context.Context, projectID string) (*protocol.WorkStatePayload, error) {
	ws, err := s.store.GetWorkState(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading work state: %w", err)
	}

	payload := &protocol.WorkStatePayload{
		Summary:       ws.Summary,
		LastMessage:   ws.LastMessage,
		RestartReason: ws.RestartReason,
	}
	if ws.TodosJSON != "" {
		if err := json.Unmarshal([]byte(ws.TodosJSON), &payload.Todos); err != nil {
			s.logger.Warn("discarding unreadable work-state todos", "error", err, "project_id", projectID)
		}
	}
	if ws.ModifiedFiles != "" {
		if err := json.Unmarshal([]byte(ws.ModifiedFiles), &payload.ModifiedFiles); err != nil {
			s.logger.Warn("discarding unreadable work-state files", "error", err, "project_id", projectID)
		}
	}

	if err := s.store.ArchiveWorkState(ctx, projectID); err != nil {
		return nil, fmt.Errorf("archiving work state: %w", err)
	}
	return payload, nil
}

// saveWorkState persists an agent-reported snapshot as the project's single
// pending slot, replacing any previous one.
func (s *Service) saveWorkState(ctx context.Context, projectID string, ws *protocol.WorkStatePayload) error {
	rec := &store.WorkState{
		ProjectID:     projectID,
		Summary:       ws.Summary,
		LastMessage:   ws.LastMessage,
		RestartReason: ws.RestartReason,
		CreatedAt:     time.Now(),
	}
	if len(ws.Todos) > 0 {
		data, err := json.Marshal(ws.Todos)
		if err != nil {
			return fmt.Errorf("encoding work-state todos: %w", err)
		}
		rec.TodosJSON = string(data)
	}
	if len(ws.ModifiedFiles) > 0 {
		data, err := json.Marshal(ws.ModifiedFiles)
		if err != nil {
			return fmt.Errorf("encoding work-state files: %w", err)
		}
		rec.ModifiedFiles = string(data)
	}
	if err := s.store.SaveWorkState(ctx, rec); err != nil {
		return fmt.Errorf("saving work state: %w", err)
	}
	s.logger.Info("work state saved", "project_id", projectID, "reason", ws.RestartReason)
	return nil
}
