// ABOUTME: Represents a single connected agent machine and its message-framed link
// ABOUTME: Serializes writes, tracks liveness probes, and closes idempotently

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
)

// Transport is the framed link under a Connection. The production
// implementation wraps a WebSocket; tests substitute an in-memory pipe.
type Transport interface {
	// WriteMessage sends one complete frame.
	WriteMessage(data []byte) error
	// Close tears down the link. Must be safe to call more than once.
	Close() error
}

// Connection represents a connected agent machine.
type Connection struct {
	MachineID    string
	MachineName  string
	Capabilities []string

	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	closed    bool
	connected time.Time
}

// NewConnection wraps an authenticated transport.
func NewConnection(machineID, machineName string, caps []string, t Transport, logger *slog.Logger) *Connection {
	return &Connection{
		MachineID:    machineID,
		MachineName:  machineName,
		Capabilities: caps,
		transport:    t,
		logger:       logger,
		connected:    time.Now(),
	}
}

// Send marshals a payload into an envelope and writes it to the link.
// Writes are serialized; concurrent handlers for different sessions on the
// same machine never interleave frames.
func (c *Connection) Send(msgType string, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return c.transport.WriteMessage(data)
}

// Close tears down the underlying transport. Safe to call multiple times.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.transport.Close()
}

// ConnectedAt reports when the link was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connected
}
