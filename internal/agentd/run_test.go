// ABOUTME: Loop-level tests for the reconnect driver against a fake relay
// ABOUTME: Counter reset on successful connects, restore handshake, give-up paths

package agentd

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
)

// fakeRelay accepts every connect, announces a session, records restore
// requests, and drops the link shortly after. Each accepted link is one
// connect/serve cycle for the client under test.
type fakeRelay struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	connects int
	restores int

	enough chan struct{} // closed once five cycles completed
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := f.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	_, payload, err := protocol.Decode(data)
	if err != nil {
		return
	}
	if _, ok := payload.(*protocol.ConnectPayload); !ok {
		return
	}

	f.mu.Lock()
	f.connects++
	cycle := f.connects
	f.mu.Unlock()

	write := func(msgType string, p any) {
		frame, err := protocol.Marshal(msgType, p)
		if err == nil {
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
	}
	write(protocol.TypeServerConnectAck, &protocol.ConnectAckPayload{MachineID: "m1", ServerID: "srv-1"})
	// Opening a session gives the client a last-project to restore later.
	write(protocol.TypeServerSessionStart, &protocol.SessionStartPayload{
		SessionID: "s1", ProjectPath: "/srv/api", AITool: "claude",
	})

	// Serve briefly, recording restore requests, then drop the link.
	_ = ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if _, p, err := protocol.Decode(data); err == nil {
			if _, ok := p.(*protocol.SessionRestorePayload); ok {
				f.mu.Lock()
				f.restores++
				f.mu.Unlock()
			}
		}
	}

	if cycle == 5 {
		close(f.enough)
	}
}

func testClient(serverURL string, maxAttempts int) *Client {
	cfg := Config{
		ServerURL:   "ws" + strings.TrimPrefix(serverURL, "http"),
		Token:       "tok-agentd-test",
		MachineName: "dev-box",
		Projects:    []protocol.ProjectInfo{{Name: "api", Path: "/srv/api"}},
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, nil, logger)
}

// Every connect succeeds but the relay keeps dropping the link. The attempt
// counter must reset after each successful connect, so the client outlives
// far more link losses than MaxAttempts, and every reconnect after the
// first asks for the last session back.
func TestRun_CounterResetsAndRestoresOnReconnect(t *testing.T) {
	relay := &fakeRelay{enough: make(chan struct{})}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	c := testClient(srv.URL, 2)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-relay.enough:
	case err := <-done:
		t.Fatalf("client gave up while every connect succeeded: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reconnect cycles")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop on cancel")
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	// Five cycles with MaxAttempts=2: only a per-connect reset explains it.
	assert.GreaterOrEqual(t, relay.connects, 5)
	assert.GreaterOrEqual(t, relay.restores, 3)
}

func TestRun_GiveUpWhenRelayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := testClient(url, 2)
	err := c.Run(t.Context())
	assert.ErrorIs(t, err, ErrGiveUp)
}

func TestRun_RejectedLinkExits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		// Read the connect frame, then close without an ack.
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5)
	err := c.Run(t.Context())
	assert.ErrorIs(t, err, ErrRejected)
}
