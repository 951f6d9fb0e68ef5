// ABOUTME: Relay message handlers for the agent client, including prompt execution
// ABOUTME: Runner output is streamed back chunk by chunk, then a status frame

package agentd

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
)

// handle routes one decoded relay message.
func (c *Client) handle(ctx context.Context, ws *websocket.Conn, payload any) {
	switch p := payload.(type) {
	case *protocol.SessionStartPayload:
		c.sessions[p.SessionID] = p.ProjectPath
		c.lastProject = p.ProjectPath
		c.logger.Info("session opened", "session_id", p.SessionID, "project", p.ProjectPath)

	case *protocol.SessionEndPayload:
		delete(c.sessions, p.SessionID)
		c.logger.Info("session closed", "session_id", p.SessionID)

	case *protocol.SessionRestoredPayload:
		c.sessions[p.SessionID] = p.ProjectPath
		c.lastProject = p.ProjectPath
		c.logger.Info("session restored",
			"session_id", p.SessionID,
			"platform", p.Platform,
			"project", p.ProjectPath,
		)

	case *protocol.AIPromptPayload:
		go c.runPrompt(ctx, ws, p)

	case *protocol.ConversationClearPayload:
		// The relay already discarded the continuation token; nothing is
		// cached on this side.
		c.logger.Info("conversation cleared", "session_id", p.SessionID)

	case *protocol.ConversationExecPayload:
		c.logger.Info("entering execution phase", "session_id", p.SessionID)

	case *protocol.PongPayload:
		// Liveness acknowledged.

	case *protocol.TaskAssignedPayload:
		c.logger.Info("task assigned",
			"task_id", p.Task.ID,
			"name", p.Task.Name,
			"priority", p.Task.Priority,
		)

	case *protocol.TaskCompletedPayload:
		c.logger.Info("task resolved",
			"task_id", p.Task.ID,
			"status", p.Task.Status,
			"result", p.Task.Result,
		)

	case *protocol.TaskListPayload:
		c.logger.Info("incoming task backlog",
			"project", p.ProjectPath,
			"count", len(p.Tasks),
		)

	default:
		c.logger.Info("ignoring unexpected relay message")
	}
}

// runPrompt executes one dispatched prompt and streams the output back. The
// relay guarantees one outstanding prompt per session, so runs for the same
// session never overlap; runs for different sessions may.
func (c *Client) runPrompt(ctx context.Context, ws *websocket.Conn, p *protocol.AIPromptPayload) {
	projectPath := c.sessions[p.SessionID]
	logger := c.logger.With("session_id", p.SessionID)
	logger.Info("running prompt", "project", projectPath, "continuation", p.ContinuationToken != "")

	events, err := c.runner.Run(ctx, projectPath, p.Prompt, p.ContinuationToken)
	if err != nil {
		c.reportError(ws, p.SessionID, err.Error())
		return
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			c.reportError(ws, p.SessionID, ev.Err.Error())
			return
		case ev.Done:
			status := &protocol.AIStatusPayload{
				SessionID:         p.SessionID,
				Status:            protocol.AIStatusDone,
				ContinuationToken: ev.ContinuationToken,
			}
			for _, f := range ev.ResultFiles {
				status.ResultFiles = append(status.ResultFiles, protocol.FileRef{
					Filename: f.Filename,
					MimeType: f.MimeType,
					Data:     f.Data,
				})
			}
			if err := c.send(ws, protocol.TypeAgentAIStatus, status); err != nil {
				logger.Warn("status report failed", "error", err)
			}
			return
		default:
			if err := c.send(ws, protocol.TypeAgentAIOutput, &protocol.AIOutputPayload{
				SessionID: p.SessionID,
				Text:      ev.Text,
			}); err != nil {
				logger.Warn("output chunk failed", "error", err)
				return
			}
		}
	}

	// Channel closed without a done event: the run was interrupted.
	c.reportError(ws, p.SessionID, "run interrupted")
}

// reportError sends an error status, attaching a work-state snapshot when
// the host provides one.
func (c *Client) reportError(ws *websocket.Conn, sessionID, msg string) {
	status := &protocol.AIStatusPayload{
		SessionID: sessionID,
		Status:    protocol.AIStatusError,
		Error:     msg,
	}
	if c.cfg.WorkState != nil {
		status.WorkState = c.cfg.WorkState(msg)
	}
	if err := c.send(ws, protocol.TypeAgentAIStatus, status); err != nil {
		c.logger.Warn("error report failed", "error", err, "session_id", sessionID)
	}
}

func (c *Client) send(ws *websocket.Conn, msgType string, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}
