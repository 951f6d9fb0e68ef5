// ABOUTME: Tests for the conversation service: plan/exec phases, dispatch gate
// ABOUTME: Context-window selection and the consume-once work-state snapshot

package conversation

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

type sentMsg struct {
	MachineID string
	Type      string
	Payload   any
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	offline bool
}

func (f *fakeSender) Send(machineID, msgType string, payload any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return false, nil
	}
	f.sent = append(f.sent, sentMsg{MachineID: machineID, Type: msgType, Payload: payload})
	return true, nil
}

func (f *fakeSender) prompts() []*protocol.AIPromptPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.AIPromptPayload
	for _, m := range f.sent {
		if m.Type == protocol.TypeServerAIPrompt {
			out = append(out, m.Payload.(*protocol.AIPromptPayload))
		}
	}
	return out
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func serviceFixture(t *testing.T) (*Service, store.Store, *fakeSender, string) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := t.Context()
	require.NoError(t, st.CreateMachine(ctx, &store.Machine{
		ID: "m1", Name: "dev-box", TokenDigest: "d", Status: store.MachineOnline, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.UpsertProject(ctx, &store.Project{
		ID: "p1", MachineID: "m1", Name: "api", Path: "/srv/api", AITool: "claude",
	}))
	proj, err := st.GetProjectByPath(ctx, "m1", "/srv/api")
	require.NoError(t, err)

	sender := &fakeSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, sender, 3, 2, logger)

	sess, err := svc.Start(ctx, "m1", proj, &store.Participant{Platform: "console", ChatID: "room-1"})
	require.NoError(t, err)
	return svc, st, sender, sess.ID
}

// completeTurn simulates the agent finishing the outstanding prompt.
func completeTurn(t *testing.T, svc *Service, sessionID, reply string, status *protocol.AIStatusPayload) {
	t.Helper()
	if status == nil {
		status = &protocol.AIStatusPayload{SessionID: sessionID, Status: protocol.AIStatusDone}
	}
	require.NoError(t, svc.CompleteTurn(t.Context(), sessionID, reply, status))
}

func TestStart_AnnouncesSession(t *testing.T) {
	_, st, sender, sessionID := serviceFixture(t)

	require.Equal(t, []string{protocol.TypeServerSessionStart}, sender.types())
	start := sender.sent[0].Payload.(*protocol.SessionStartPayload)
	assert.Equal(t, sessionID, start.SessionID)
	assert.Equal(t, "/srv/api", start.ProjectPath)

	participants, err := st.ListParticipants(t.Context(), sessionID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "room-1", participants[0].ChatID)
}

func TestStart_OfflineMachine(t *testing.T) {
	svc, st, sender, _ := serviceFixture(t)
	sender.offline = true

	proj, err := st.GetProjectByPath(t.Context(), "m1", "/srv/api")
	require.NoError(t, err)
	_, err = svc.Start(t.Context(), "m1", proj, &store.Participant{Platform: "console", ChatID: "room-2"})
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	// The failed start leaves nothing active behind: the participant's next
	// /connect must not find a dead session.
	_, err = st.FindActiveSessionByParticipant(t.Context(), "console", "room-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatch_OneOutstandingPrompt(t *testing.T) {
	svc, _, _, sessionID := serviceFixture(t)

	require.NoError(t, svc.Dispatch(t.Context(), sessionID, "first"))
	assert.True(t, svc.InFlight(sessionID))

	err := svc.Dispatch(t.Context(), sessionID, "second")
	assert.ErrorIs(t, err, ErrPromptInFlight)

	completeTurn(t, svc, sessionID, "done thinking", nil)
	assert.False(t, svc.InFlight(sessionID))
	assert.NoError(t, svc.Dispatch(t.Context(), sessionID, "third"))
}

func TestDispatch_SerializedContextWithoutToken(t *testing.T) {
	svc, _, sender, sessionID := serviceFixture(t)

	require.NoError(t, svc.Dispatch(t.Context(), sessionID, "what is the plan?"))
	completeTurn(t, svc, sessionID, "step one, step two", nil)
	require.NoError(t, svc.Dispatch(t.Context(), sessionID, "refine step two"))

	prompts := sender.prompts()
	require.Len(t, prompts, 2)
	// First turn has no history to carry.
	assert.Equal(t, "what is the plan?", prompts[0].Prompt)
	// Second turn serializes the visible history.
	assert.Contains(t, prompts[1].Prompt, "Previous conversation:")
	assert.Contains(t, prompts[1].Prompt, "user: what is the plan?")
	assert.Contains(t, prompts[1].Prompt, "assistant: step one, step two")
	assert.Contains(t, prompts[1].Prompt, "refine step two")
}

func TestDispatch_ContinuationTokenSkipsHistory(t *testing.T) {
	svc, _, sender, sessionID := serviceFixture(t)

	require.NoError(t, svc.Dispatch(t.Context(), sessionID, "hello"))
	completeTurn(t, svc, sessionID, "hi", &protocol.AIStatusPayload{
		SessionID: sessionID, Status: protocol.AIStatusDone, ContinuationToken: "tok-1",
	})
	require.NoError(t, svc.Dispatch(t.Context(), sessionID, "and now?"))

	prompts := sender.prompts()
	require.Len(t, prompts, 2)
	// The tool keeps its own memory; only the new turn goes out.
	assert.Equal(t, "and now?", prompts[1].Prompt)
	assert.Equal(t, "tok-1", prompts[1].ContinuationToken)
}

// Scenario: plan turns, then begin execution, then a plain turn again.
// Exec is single-turn and derived from the marker, never stored.
func TestBeginExec_SingleTurn(t *testing.T) {
	svc, st, sender, sessionID := serviceFixture(t)
	ctx := t.Context()

	require.NoError(t, svc.Dispatch(ctx, sessionID, "plan the migration"))
	completeTurn(t, svc, sessionID, "1. dump 2. restore", nil)

	require.NoError(t, svc.BeginExec(ctx, sessionID))

	// The agent is told about the transition and gets the synthetic prompt.
	assert.Contains(t, sender.types(), protocol.TypeServerConversationExec)
	prompts := sender.prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1].Prompt, ExecPrompt)
	// Rationale from the plan phase rides along on the first exec turn.
	assert.Contains(t, prompts[1].Prompt, "Previous Plan Conversation:")
	assert.Contains(t, prompts[1].Prompt, "1. dump 2. restore")

	completeTurn(t, svc, sessionID, "executed both steps", nil)

	// The next user turn is planning again.
	require.NoError(t, svc.Dispatch(ctx, sessionID, "how did it go?"))
	prompts = sender.prompts()
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[2].Prompt, "Previous Plan Conversation:")
	assert.Contains(t, prompts[2].Prompt, "Previous conversation:")

	// Entries after the last marker contain no marker.
	entries, err := st.ListEntries(ctx, sessionID)
	require.NoError(t, err)
	lastMarker := -1
	for i, e := range entries {
		if e.Role == store.RoleExecMarker {
			lastMarker = i
		}
	}
	require.GreaterOrEqual(t, lastMarker, 0)
	for _, e := range entries[lastMarker+1:] {
		assert.NotEqual(t, store.RoleExecMarker, e.Role)
	}
}

func TestClear_HardReset(t *testing.T) {
	svc, st, sender, sessionID := serviceFixture(t)
	ctx := t.Context()

	require.NoError(t, svc.Dispatch(ctx, sessionID, "remember this"))
	completeTurn(t, svc, sessionID, "noted", &protocol.AIStatusPayload{
		SessionID: sessionID, Status: protocol.AIStatusDone, ContinuationToken: "tok-9",
	})

	require.NoError(t, svc.Clear(ctx, sessionID))

	entries, err := st.ListEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	sess, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.ContinuationToken)
	assert.Contains(t, sender.types(), protocol.TypeServerConversationClear)
}

func TestWorkState_RidesOnExactlyOnePrompt(t *testing.T) {
	svc, st, sender, sessionID := serviceFixture(t)
	ctx := t.Context()

	require.NoError(t, svc.Dispatch(ctx, sessionID, "start the long job"))
	completeTurn(t, svc, sessionID, "stopping for a restart", &protocol.AIStatusPayload{
		SessionID: sessionID,
		Status:    protocol.AIStatusError,
		Error:     "host going down",
		WorkState: &protocol.WorkStatePayload{
			Summary:       "half done",
			Todos:         []protocol.WorkTodo{{Text: "resume import", Status: "pending"}},
			RestartReason: "host going down",
		},
	})

	require.NoError(t, svc.Dispatch(ctx, sessionID, "pick it back up"))
	completeTurn(t, svc, sessionID, "resumed", nil)
	require.NoError(t, svc.Dispatch(ctx, sessionID, "status?"))

	prompts := sender.prompts()
	require.Len(t, prompts, 3)
	require.NotNil(t, prompts[1].WorkState)
	assert.Equal(t, "half done", prompts[1].WorkState.Summary)
	require.Len(t, prompts[1].WorkState.Todos, 1)
	// Consumed once: the snapshot does not ride again.
	assert.Nil(t, prompts[2].WorkState)

	archived, err := st.ListArchivedWorkStates(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "half done", archived[0].Summary)
}

func TestEnd_ReleasesGate(t *testing.T) {
	svc, st, _, sessionID := serviceFixture(t)
	ctx := t.Context()

	require.NoError(t, svc.Dispatch(ctx, sessionID, "working"))
	require.NoError(t, svc.End(ctx, sessionID))

	sess, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, sess.Status)
	assert.NotNil(t, sess.EndedAt)
	assert.False(t, svc.InFlight(sessionID))
}
