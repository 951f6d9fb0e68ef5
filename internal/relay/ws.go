// ABOUTME: WebSocket endpoint for agent links: upgrade, auth handshake, read loop
// ABOUTME: One malformed frame is dropped and logged; the link stays up

package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murata1215/devrelay-sub000/internal/agent"
	"github.com/murata1215/devrelay-sub000/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	handshakeWait  = 15 * time.Second
	maxMessageSize = 32 << 20 // attachments ride inline as base64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsTransport adapts a gorilla connection to the registry's Transport.
// Data writes are serialized by the owning Connection; control frames go
// through WriteControl, which gorilla allows concurrently.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleAgentSocket upgrades the connection and runs the link lifecycle:
// authenticate on the first frame, then route messages until the link dies.
func (r *Relay) handleAgentSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err, "remote", req.RemoteAddr)
		return
	}

	conn, err := r.handshake(req, ws)
	if err != nil {
		// No detail to the peer; the error already tells them enough.
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	agentsOnline.Set(float64(r.registry.Count()))
	done := make(chan struct{})
	go r.transportPinger(ws, conn, done)
	r.readLoop(ws, conn, done)
}

// handshake reads the first frame, which must be agent:connect, and
// registers the link. The ack and the task backlog go out on success.
func (r *Relay) handshake(req *http.Request, ws *websocket.Conn) (*agent.Connection, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeWait))
	ws.SetReadLimit(maxMessageSize)

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, payload, err := protocol.Decode(data)
	if err != nil {
		r.logger.Warn("unreadable handshake frame", "error", err, "remote", req.RemoteAddr)
		return nil, err
	}
	connect, ok := payload.(*protocol.ConnectPayload)
	if !ok {
		r.logger.Warn("handshake frame is not agent:connect", "type", env.Type, "remote", req.RemoteAddr)
		return nil, errors.New("expected agent:connect")
	}

	conn, err := r.registry.Connect(req.Context(), &wsTransport{conn: ws}, connect)
	if err != nil {
		r.logger.Warn("agent rejected", "machine", connect.MachineName, "remote", req.RemoteAddr)
		return nil, err
	}

	if err := conn.Send(protocol.TypeServerConnectAck, &protocol.ConnectAckPayload{
		MachineID: conn.MachineID,
		ServerID:  r.serverID,
	}); err != nil {
		r.registry.Disconnect(conn.MachineID, conn)
		return nil, err
	}

	// Pull-based catch-up: tickets that landed while this machine was
	// offline are delivered now.
	if err := r.tasks.PushBacklog(req.Context(), conn.MachineID); err != nil {
		r.logger.Error("pushing task backlog", "error", err, "machine_id", conn.MachineID)
	}
	return conn, nil
}

// readLoop routes inbound frames until the link closes. Protocol-parsing
// failures drop the single frame, never the link.
func (r *Relay) readLoop(ws *websocket.Conn, conn *agent.Connection, done chan struct{}) {
	defer func() {
		close(done)
		r.registry.Disconnect(conn.MachineID, conn)
		agentsOnline.Set(float64(r.registry.Count()))
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	logger := r.logger.With("machine_id", conn.MachineID)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("link read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		env, payload, err := protocol.Decode(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			logger.Info("ignoring unknown message type", "type", env.Type)
			continue
		case err != nil:
			framesDropped.Inc()
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		messagesInbound.WithLabelValues(env.Type).Inc()
		if done := r.dispatch(conn, env.Type, payload, logger); done {
			return
		}
	}
}

// controlPinger is the slice of a WebSocket connection the pinger needs.
type controlPinger interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// transportPinger sends WebSocket-level probes until the link's read loop
// tears down. This detects dead TCP paths quickly; it is separate from
// agent:ping, which is the durable liveness signal.
func (r *Relay) transportPinger(ws controlPinger, conn *agent.Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				r.registry.Disconnect(conn.MachineID, conn)
				return
			}
		}
	}
}
