// ABOUTME: Tests for the task ledger service: resolution, transitions, delivery
// ABOUTME: Offline receivers get their tickets from the pull-based backlog

package task

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
	offline map[string]bool
}

func (f *fakeSender) Send(machineID, msgType string, payload any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[machineID] {
		return false, nil
	}
	f.sent = append(f.sent, sentMsg{MachineID: machineID, Type: msgType, Payload: payload})
	return true, nil
}

func (f *fakeSender) byType(msgType string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func ledgerFixture(t *testing.T) (*Service, store.Store, *fakeSender) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := t.Context()
	for _, m := range []struct{ id, name string }{{"m1", "sender-box"}, {"m2", "receiver-box"}} {
		require.NoError(t, st.CreateMachine(ctx, &store.Machine{
			ID: m.id, Name: m.name, TokenDigest: "d", Status: store.MachineOnline, CreatedAt: time.Now(),
		}))
	}
	require.NoError(t, st.UpsertProject(ctx, &store.Project{
		ID: "p1", MachineID: "m1", Name: "api", Path: "/srv/api",
	}))
	require.NoError(t, st.UpsertProject(ctx, &store.Project{
		ID: "p2", MachineID: "m2", Name: "web", Path: "/srv/web",
	}))

	sender := &fakeSender{offline: make(map[string]bool)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, sender, logger), st, sender
}

func createPayload() *protocol.TaskCreatePayload {
	return &protocol.TaskCreatePayload{
		SenderProjectPath:   "/srv/api",
		ReceiverMachine:     "receiver-box",
		ReceiverProjectPath: "/srv/web",
		Name:                "sync the schema",
		Description:         "apply migration 42",
		Priority:            store.PriorityHigh,
	}
}

func TestCreate_AssignedWithOnlinePush(t *testing.T) {
	svc, _, sender := ledgerFixture(t)

	task, err := svc.Create(t.Context(), "m1", createPayload())
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, task.Status)
	require.NotNil(t, task.AssignedAt)
	require.NotNil(t, task.ReceiverProjectID)

	pushed := sender.byType(protocol.TypeServerTaskAssigned)
	require.Len(t, pushed, 1)
	assert.Equal(t, "m2", pushed[0].MachineID)
	ref := pushed[0].Payload.(*protocol.TaskAssignedPayload).Task
	assert.Equal(t, task.ID, ref.ID)
	assert.Equal(t, "/srv/web", ref.ReceiverProjectPath)
}

// Receiver machine offline: the ticket commits as assigned, nothing is
// pushed, and the next backlog pull delivers it.
func TestCreate_OfflineReceiverBacklog(t *testing.T) {
	svc, _, sender := ledgerFixture(t)
	sender.offline["m2"] = true

	task, err := svc.Create(t.Context(), "m1", createPayload())
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, task.Status)
	assert.Empty(t, sender.byType(protocol.TypeServerTaskAssigned))

	sender.offline["m2"] = false
	require.NoError(t, svc.PushBacklog(t.Context(), "m2"))

	lists := sender.byType(protocol.TypeServerTaskList)
	require.Len(t, lists, 1)
	list := lists[0].Payload.(*protocol.TaskListPayload)
	assert.Equal(t, "/srv/web", list.ProjectPath)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, task.ID, list.Tasks[0].ID)
}

func TestCreate_BareMachineNameMeansFirstProject(t *testing.T) {
	svc, st, _ := ledgerFixture(t)

	p := createPayload()
	p.ReceiverProjectPath = ""
	task, err := svc.Create(t.Context(), "m1", p)
	require.NoError(t, err)

	first, err := st.FirstProject(t.Context(), "m2")
	require.NoError(t, err)
	require.NotNil(t, task.ReceiverProjectID)
	assert.Equal(t, first.ID, *task.ReceiverProjectID)
}

func TestCreate_NoReceiverStaysPending(t *testing.T) {
	svc, _, sender := ledgerFixture(t)

	p := createPayload()
	p.ReceiverMachine = ""
	p.ReceiverProjectPath = ""
	task, err := svc.Create(t.Context(), "m1", p)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Nil(t, task.ReceiverProjectID)
	assert.Empty(t, sender.byType(protocol.TypeServerTaskAssigned))
}

func TestCreate_ResolutionErrors(t *testing.T) {
	svc, _, _ := ledgerFixture(t)

	p := createPayload()
	p.SenderProjectPath = "/does/not/exist"
	_, err := svc.Create(t.Context(), "m1", p)
	assert.ErrorIs(t, err, ErrUnknownSender)

	p = createPayload()
	p.ReceiverMachine = "no-such-box"
	_, err = svc.Create(t.Context(), "m1", p)
	assert.ErrorIs(t, err, ErrUnknownReceiver)
}

// Starting a still-pending ticket passes through assigned so the observed
// status sequence never skips a state.
func TestStart_FromPending(t *testing.T) {
	svc, st, _ := ledgerFixture(t)

	p := createPayload()
	p.ReceiverMachine = ""
	created, err := svc.Create(t.Context(), "m1", p)
	require.NoError(t, err)

	task, err := svc.Start(t.Context(), "m2", &protocol.TaskStartPayload{
		TaskID: created.ID, ExecutorProjectPath: "/srv/web",
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, task.Status)
	require.NotNil(t, task.ExecutorProjectID)
	assert.Equal(t, "p2", *task.ExecutorProjectID)

	log, err := st.ListTaskActivity(t.Context(), created.ID)
	require.NoError(t, err)
	var actions []string
	for _, a := range log {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []string{"created", "assigned", "started"}, actions)
}

func TestComplete_NotifiesSenderAndStoresFiles(t *testing.T) {
	svc, st, sender := ledgerFixture(t)

	created, err := svc.Create(t.Context(), "m1", createPayload())
	require.NoError(t, err)
	_, err = svc.Start(t.Context(), "m2", &protocol.TaskStartPayload{
		TaskID: created.ID, ExecutorProjectPath: "/srv/web",
	})
	require.NoError(t, err)

	task, err := svc.Complete(t.Context(), "m2", &protocol.TaskCompletePayload{
		TaskID:              created.ID,
		ExecutorProjectPath: "/srv/web",
		Notes:               "migration applied",
		ResultFiles: []protocol.FileRef{
			{Filename: "migration.log", MimeType: "text/plain", Data: []byte("ok")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "migration applied", task.Result)

	attachments, err := st.ListTaskAttachments(t.Context(), created.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "p2", attachments[0].UploaderProjectID)

	done := sender.byType(protocol.TypeServerTaskCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "m1", done[0].MachineID)
}

// Duplicate Complete delivery: the second caller observes the conflict and
// nothing about the ticket changes.
func TestComplete_DuplicateIsConflict(t *testing.T) {
	svc, st, _ := ledgerFixture(t)

	created, err := svc.Create(t.Context(), "m1", createPayload())
	require.NoError(t, err)
	_, err = svc.Start(t.Context(), "m2", &protocol.TaskStartPayload{
		TaskID: created.ID, ExecutorProjectPath: "/srv/web",
	})
	require.NoError(t, err)

	complete := &protocol.TaskCompletePayload{
		TaskID: created.ID, ExecutorProjectPath: "/srv/web", Notes: "first",
	}
	_, err = svc.Complete(t.Context(), "m2", complete)
	require.NoError(t, err)

	complete.Notes = "second"
	_, err = svc.Complete(t.Context(), "m2", complete)
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	task, err := st.GetTask(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", task.Result)
}

func TestFail_CarriesErrorText(t *testing.T) {
	svc, _, _ := ledgerFixture(t)

	created, err := svc.Create(t.Context(), "m1", createPayload())
	require.NoError(t, err)
	_, err = svc.Start(t.Context(), "m2", &protocol.TaskStartPayload{
		TaskID: created.ID, ExecutorProjectPath: "/srv/web",
	})
	require.NoError(t, err)

	task, err := svc.Fail(t.Context(), "m2", &protocol.TaskFailPayload{
		TaskID: created.ID, ExecutorProjectPath: "/srv/web", Error: "disk full",
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, "disk full", task.Result)
}

func TestComment_AppendsWithoutStatusChange(t *testing.T) {
	svc, st, _ := ledgerFixture(t)

	created, err := svc.Create(t.Context(), "m1", createPayload())
	require.NoError(t, err)

	require.NoError(t, svc.Comment(t.Context(), "m1", &protocol.TaskCommentPayload{
		TaskID: created.ID, ProjectPath: "/srv/api", Text: "schema file attached upstream",
	}))

	task, err := st.GetTask(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, task.Status)

	comments, err := st.ListTaskComments(t.Context(), created.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "p1", comments[0].ProjectID)
}
