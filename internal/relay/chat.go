// ABOUTME: Inbound chat control flow: session routing, commands, prompt dispatch
// ABOUTME: Platform adapters deliver messages here and send the replies back

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/murata1215/devrelay-sub000/internal/conversation"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

// HandleChatMessage routes one inbound chat message. Without an active
// session only /connect is meaningful; with one, commands control the
// session and everything else is dispatched as a prompt. The returned text
// is the immediate reply for the adapter to post (may be empty when the
// progress streamer takes over the surface).
func (r *Relay) HandleChatMessage(ctx context.Context, platform, chatID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	sess, err := r.store.FindActiveSessionByParticipant(ctx, platform, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up session: %w", err)
	}

	if sess == nil {
		if cmd, args := splitCommand(text); cmd == "/connect" {
			return r.connectChat(ctx, platform, chatID, args)
		}
		return "No active session. Use /connect <machine> [project] to pick a project.", nil
	}

	cmd, _ := splitCommand(text)
	switch cmd {
	case "/exec":
		return r.execSession(ctx, sess)
	case "/clear":
		if err := r.conv.Clear(ctx, sess.ID); err != nil {
			return "", err
		}
		return "Conversation cleared.", nil
	case "/end":
		if err := r.conv.End(ctx, sess.ID); err != nil {
			return "", err
		}
		return "Session ended.", nil
	case "/connect":
		return "A session is already active here. /end it first.", nil
	default:
		return r.promptSession(ctx, sess, text)
	}
}

// connectChat resolves "/connect <machine> [project]" and opens a session.
// With no project named, the machine's first project is used.
func (r *Relay) connectChat(ctx context.Context, platform, chatID, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "Usage: /connect <machine> [project]", nil
	}

	machine, err := r.store.GetMachineByName(ctx, fields[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("Unknown machine %q.", fields[0]), nil
	}
	if err != nil {
		return "", err
	}
	if !r.registry.IsOnline(machine.ID) {
		return fmt.Sprintf("Machine %q is offline.", machine.Name), nil
	}

	proj, err := r.pickProject(ctx, machine.ID, fields[1:])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("No matching project on %q.", machine.Name), nil
	}
	if err != nil {
		return "", err
	}

	sess, err := r.conv.Start(ctx, machine.ID, proj, &store.Participant{
		Platform: platform,
		ChatID:   chatID,
	})
	if errors.Is(err, conversation.ErrAgentUnavailable) {
		return fmt.Sprintf("Machine %q went offline.", machine.Name), nil
	}
	if err != nil {
		return "", err
	}

	sessionsStarted.Inc()
	r.logger.Info("chat connected to project",
		"session_id", sess.ID,
		"machine", machine.Name,
		"project", proj.Name,
		"platform", platform,
	)
	return fmt.Sprintf("Connected to %s on %s. Send a message to start planning.", proj.Name, machine.Name), nil
}

func (r *Relay) pickProject(ctx context.Context, machineID string, nameArgs []string) (*store.Project, error) {
	if len(nameArgs) == 0 {
		return r.store.FirstProject(ctx, machineID)
	}
	name := strings.Join(nameArgs, " ")
	projects, err := r.store.ListProjects(ctx, machineID)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name || p.Path == name {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

// execSession begins the execution phase: the streamer takes the surface
// and the synthetic proceed prompt goes out.
func (r *Relay) execSession(ctx context.Context, sess *store.Session) (string, error) {
	participants, err := r.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	r.streamer.Begin(ctx, sess.ID, participants)

	if err := r.conv.BeginExec(ctx, sess.ID); err != nil {
		r.streamer.Abort(sess.ID)
		return chatError(err), nil
	}
	promptsDispatched.Inc()
	return "", nil
}

// promptSession dispatches a plan-phase prompt with a progress surface.
func (r *Relay) promptSession(ctx context.Context, sess *store.Session, text string) (string, error) {
	participants, err := r.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	r.streamer.Begin(ctx, sess.ID, participants)

	if err := r.conv.Dispatch(ctx, sess.ID, text); err != nil {
		r.streamer.Abort(sess.ID)
		return chatError(err), nil
	}
	promptsDispatched.Inc()
	return "", nil
}

// chatError maps expected dispatch failures to operator-readable replies.
func chatError(err error) string {
	switch {
	case errors.Is(err, conversation.ErrPromptInFlight):
		return "Still working on the previous message. Wait for it to finish."
	case errors.Is(err, conversation.ErrAgentUnavailable):
		return "The agent machine is offline. The prompt was not sent."
	default:
		return "Something went wrong: " + err.Error()
	}
}

// handleChatHTTP is a webhook-style inbound surface: platform bridges (or
// curl, for local runs) POST messages here and get the immediate reply back.
func (r *Relay) handleChatHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in struct {
		Platform string `json:"platform"`
		ChatID   string `json:"chatId"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if in.Platform == "" {
		in.Platform = "console"
	}
	if in.ChatID == "" {
		http.Error(w, "chatId is required", http.StatusBadRequest)
		return
	}

	reply, err := r.HandleChatMessage(req.Context(), in.Platform, in.ChatID, in.Text)
	if err != nil {
		r.logger.Error("chat message failed", "error", err, "platform", in.Platform)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"reply": reply})
}

func splitCommand(text string) (cmd, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	parts := strings.SplitN(text, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
