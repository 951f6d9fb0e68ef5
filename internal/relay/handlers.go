// ABOUTME: Inbound message router for authenticated agent links
// ABOUTME: Exhaustive switch over the agent message family, unknowns already filtered

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/murata1215/devrelay-sub000/internal/agent"
	"github.com/murata1215/devrelay-sub000/internal/chat"
	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

const handlerTimeout = 30 * time.Second

// dispatch handles one decoded frame from an agent. Returns true when the
// link should close (clean disconnect).
func (r *Relay) dispatch(conn *agent.Connection, msgType string, payload any, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch p := payload.(type) {
	case *protocol.ConnectPayload:
		// Already authenticated; a second connect frame is a peer bug.
		logger.Warn("duplicate agent:connect ignored")

	case *protocol.DisconnectPayload:
		logger.Info("agent requested disconnect")
		return true

	case *protocol.ProjectsPayload:
		r.refreshProjects(ctx, conn.MachineID, p.Projects, logger)

	case *protocol.AIOutputPayload:
		r.streamer.Append(p.SessionID, p.Text)

	case *protocol.AIStatusPayload:
		r.finishTurn(ctx, p, logger)

	case *protocol.PingPayload:
		if err := r.registry.RecordPing(ctx, conn.MachineID, p.Timestamp); err != nil {
			logger.Error("recording ping", "error", err)
		}
		if err := conn.Send(protocol.TypeServerPong, &protocol.PongPayload{Timestamp: p.Timestamp}); err != nil {
			logger.Warn("pong failed", "error", err)
		}

	case *protocol.SessionRestorePayload:
		r.restoreSession(ctx, conn, p, logger)

	case *protocol.TaskCreatePayload:
		if _, err := r.tasks.Create(ctx, conn.MachineID, p); err != nil {
			logger.Error("task create failed", "error", err, "name", p.Name)
		} else {
			tasksCreated.Inc()
		}

	case *protocol.TaskStartPayload:
		if _, err := r.tasks.Start(ctx, conn.MachineID, p); err != nil {
			logger.Error("task start failed", "error", err, "task_id", p.TaskID)
		}

	case *protocol.TaskCompletePayload:
		if _, err := r.tasks.Complete(ctx, conn.MachineID, p); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				// Duplicate delivery; somebody else resolved it first.
				logger.Info("task already resolved", "task_id", p.TaskID)
			} else {
				logger.Error("task complete failed", "error", err, "task_id", p.TaskID)
			}
		}

	case *protocol.TaskFailPayload:
		if _, err := r.tasks.Fail(ctx, conn.MachineID, p); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				logger.Info("task already resolved", "task_id", p.TaskID)
			} else {
				logger.Error("task fail failed", "error", err, "task_id", p.TaskID)
			}
		}

	case *protocol.TaskCommentPayload:
		if err := r.tasks.Comment(ctx, conn.MachineID, p); err != nil {
			logger.Error("task comment failed", "error", err, "task_id", p.TaskID)
		}

	default:
		logger.Info("ignoring unexpected message", "type", msgType)
	}
	return false
}

// refreshProjects re-upserts the machine's project list mid-link.
func (r *Relay) refreshProjects(ctx context.Context, machineID string, projects []protocol.ProjectInfo, logger *slog.Logger) {
	for _, proj := range projects {
		if err := r.store.UpsertProject(ctx, &store.Project{
			ID:        uuid.New().String(),
			MachineID: machineID,
			Name:      proj.Name,
			Path:      proj.Path,
			AITool:    proj.AITool,
		}); err != nil {
			logger.Error("upserting project", "error", err, "project", proj.Name)
		}
	}
}

// finishTurn records the completed turn and resolves the progress surfaces.
// The conversation mutation is committed before any chat adapter is touched;
// adapter failures only affect visibility.
func (r *Relay) finishTurn(ctx context.Context, p *protocol.AIStatusPayload, logger *slog.Logger) {
	text := r.streamer.Text(p.SessionID)
	if p.Status == protocol.AIStatusError && p.Error != "" {
		text = text + "\n⚠️ " + p.Error
	}

	if err := r.conv.CompleteTurn(ctx, p.SessionID, text, p); err != nil {
		logger.Error("recording turn", "error", err, "session_id", p.SessionID)
	}

	attachments := make([]chat.Attachment, 0, len(p.ResultFiles))
	for _, f := range p.ResultFiles {
		attachments = append(attachments, chat.Attachment{
			Filename: f.Filename,
			MimeType: f.MimeType,
			Data:     f.Data,
		})
	}
	r.streamer.Finalize(ctx, p.SessionID, text, attachments)
	turnsCompleted.WithLabelValues(p.Status).Inc()
}

// restoreSession answers a reconnecting agent with the still-active session
// on its last (machine, project) pair, if one with a known chat surface
// exists. The newest active session wins when duplicates exist.
func (r *Relay) restoreSession(ctx context.Context, conn *agent.Connection, p *protocol.SessionRestorePayload, logger *slog.Logger) {
	proj, err := r.store.GetProjectByPath(ctx, conn.MachineID, p.ProjectPath)
	if err != nil {
		logger.Info("restore: unknown project", "path", p.ProjectPath)
		return
	}
	sess, err := r.store.FindActiveSession(ctx, conn.MachineID, proj.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("restore: no active session", "path", p.ProjectPath)
		return
	}
	if err != nil {
		logger.Error("restore: session lookup failed", "error", err)
		return
	}
	participants, err := r.store.ListParticipants(ctx, sess.ID)
	if err != nil || len(participants) == 0 {
		logger.Info("restore: session has no chat surface", "session_id", sess.ID)
		return
	}

	if err := conn.Send(protocol.TypeServerSessionRestored, &protocol.SessionRestoredPayload{
		SessionID:   sess.ID,
		ChatID:      participants[0].ChatID,
		Platform:    participants[0].Platform,
		ProjectPath: proj.Path,
	}); err != nil {
		logger.Warn("restore reply failed", "error", err)
		return
	}
	logger.Info("session restored", "session_id", sess.ID, "project", proj.Name)
}
