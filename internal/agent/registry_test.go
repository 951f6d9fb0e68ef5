// ABOUTME: Tests for the agent registry: auth, displacement, routing, liveness
// ABOUTME: Uses an in-memory transport and the real SQLite store

package agent

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

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) FrameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registryFixture(t *testing.T) (*Registry, *store.SQLiteStore, string) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	token, err := NewToken()
	require.NoError(t, err)
	require.NoError(t, st.CreateMachine(t.Context(), &store.Machine{
		ID:          "m1",
		Name:        "dev-box",
		TokenDigest: HashToken(token),
		Status:      store.MachineOffline,
		CreatedAt:   time.Now(),
	}))

	return NewRegistry(st, testLogger()), st, token
}

func connectPayload(token string) *protocol.ConnectPayload {
	return &protocol.ConnectPayload{
		Token:       token,
		MachineName: "dev-box",
		Projects: []protocol.ProjectInfo{
			{Name: "api", Path: "/srv/api", AITool: "claude"},
		},
	}
}

func TestConnect_Success(t *testing.T) {
	reg, st, token := registryFixture(t)

	conn, err := reg.Connect(t.Context(), &fakeTransport{}, connectPayload(token))
	require.NoError(t, err)
	assert.Equal(t, "m1", conn.MachineID)
	assert.True(t, reg.IsOnline("m1"))

	m, err := st.GetMachine(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.MachineOnline, m.Status)
	require.NotNil(t, m.LastSeen)

	projects, err := st.ListProjects(t.Context(), "m1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "/srv/api", projects[0].Path)
}

func TestConnect_Rejected(t *testing.T) {
	reg, _, token := registryFixture(t)

	// Wrong token and unknown machine fail identically.
	_, err := reg.Connect(t.Context(), &fakeTransport{}, connectPayload(token+"x"))
	assert.ErrorIs(t, err, ErrAuthFailed)

	p := connectPayload(token)
	p.MachineName = "nope"
	_, err = reg.Connect(t.Context(), &fakeTransport{}, p)
	assert.ErrorIs(t, err, ErrAuthFailed)

	assert.False(t, reg.IsOnline("m1"))
}

func TestConnect_LastConnectWins(t *testing.T) {
	reg, _, token := registryFixture(t)

	firstTransport := &fakeTransport{}
	first, err := reg.Connect(t.Context(), firstTransport, connectPayload(token))
	require.NoError(t, err)

	second, err := reg.Connect(t.Context(), &fakeTransport{}, connectPayload(token))
	require.NoError(t, err)

	// The displaced link is closed and its late disconnect must not
	// clobber the successor.
	assert.True(t, firstTransport.Closed())
	reg.Disconnect("m1", first)
	assert.True(t, reg.IsOnline("m1"))

	current, ok := reg.Get("m1")
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestDisconnect_MarksOfflineAndFiresHooks(t *testing.T) {
	reg, st, token := registryFixture(t)

	var hooked []string
	reg.OnDisconnect(func(machineID string) { hooked = append(hooked, machineID) })

	conn, err := reg.Connect(t.Context(), &fakeTransport{}, connectPayload(token))
	require.NoError(t, err)

	reg.Disconnect("m1", conn)
	assert.False(t, reg.IsOnline("m1"))
	assert.Equal(t, []string{"m1"}, hooked)

	m, err := st.GetMachine(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.MachineOffline, m.Status)

	// Idempotent: a second disconnect neither panics nor re-fires hooks.
	reg.Disconnect("m1", conn)
	assert.Len(t, hooked, 1)
}

func TestSend_OfflineIsNotAnError(t *testing.T) {
	reg, _, token := registryFixture(t)

	delivered, err := reg.Send("m1", protocol.TypeServerPong, &protocol.PongPayload{})
	require.NoError(t, err)
	assert.False(t, delivered)

	transport := &fakeTransport{}
	_, err = reg.Connect(t.Context(), transport, connectPayload(token))
	require.NoError(t, err)

	delivered, err = reg.Send("m1", protocol.TypeServerPong, &protocol.PongPayload{Timestamp: time.Now()})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, transport.FrameCount())
}

func TestRecordPing_UpdatesDurableLastSeen(t *testing.T) {
	reg, st, token := registryFixture(t)
	_, err := reg.Connect(t.Context(), &fakeTransport{}, connectPayload(token))
	require.NoError(t, err)

	ts := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, reg.RecordPing(t.Context(), "m1", ts))

	m, err := st.GetMachine(t.Context(), "m1")
	require.NoError(t, err)
	require.NotNil(t, m.LastSeen)
	assert.True(t, m.LastSeen.Equal(ts))
}
