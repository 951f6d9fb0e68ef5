// ABOUTME: Agent-side client: connect/auth handshake and the reconnect driver
// ABOUTME: Capped exponential backoff with jitter; gives up after max attempts

package agentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/runner"
)

// ErrGiveUp is returned by Run after the reconnect ceiling is reached.
// Recovery requires external intervention (restart the process).
var ErrGiveUp = errors.New("reconnect attempts exhausted")

// ErrRejected is returned when the relay refuses the connect handshake.
// The only fix is re-running setup with a valid token.
var ErrRejected = errors.New("relay rejected connection")

// Config holds everything the client needs to serve one machine.
type Config struct {
	ServerURL   string // ws:// or wss:// endpoint of the relay
	Token       string
	MachineName string
	Projects    []protocol.ProjectInfo

	PingInterval time.Duration // application-level liveness period
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxAttempts  int

	// WorkState, when set, is consulted as a run is interrupted so the
	// snapshot can ride on the failure status.
	WorkState func(reason string) *protocol.WorkStatePayload
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 15
	}
}

// Client maintains the link to the relay and executes dispatched prompts
// through a Runner.
type Client struct {
	cfg    Config
	runner runner.Runner
	logger *slog.Logger

	machineID string
	// sessions maps live session ids to project paths; lastProject is the
	// (machine, project) pair named in the restore handshake.
	sessions    map[string]string
	lastProject string

	// writeMu serializes frame writes: the ping loop, prompt goroutines,
	// and handler replies share one gorilla connection.
	writeMu sync.Mutex
}

// New creates a Client. The runner executes the external AI tool.
func New(cfg Config, r runner.Runner, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		runner:   r,
		logger:   logger.With("component", "agent"),
		sessions: make(map[string]string),
	}
}

// NewBackOff builds the reconnect delay source: capped exponential with
// uniform jitter. Exposed so the series shape is testable.
func NewBackOff(base, cap time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // attempts are bounded, not elapsed time
	b.Reset()
	return b
}

// Run connects and serves until ctx is canceled, authentication fails, or
// the reconnect ceiling is reached. The attempt counter resets to zero only
// on a successful connect; every reconnect that is not the first connect
// also asks the relay to restore the last active session.
func (c *Client) Run(ctx context.Context) error {
	delays := NewBackOff(c.cfg.BackoffBase, c.cfg.BackoffCap)
	attempts := 0
	everConnected := false

	for {
		connected, err := c.serveOnce(ctx, everConnected)
		if connected {
			// The handshake went through, so the counter restarts even
			// though the link was lost afterwards.
			everConnected = true
			attempts = 0
			delays.Reset()
		}
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, ErrRejected):
			return err
		default:
			c.logger.Warn("link lost", "error", err, "attempt", attempts)
		}

		attempts++
		if attempts > c.cfg.MaxAttempts {
			c.logger.Error("giving up after repeated reconnect failures",
				"attempts", c.cfg.MaxAttempts)
			return ErrGiveUp
		}

		delay := delays.NextBackOff()
		c.logger.Info("reconnecting", "attempt", attempts, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// serveOnce performs one connect/serve cycle. connected reports whether the
// auth handshake was accepted; the link is always lost eventually, so the
// error alone cannot distinguish a served session from a failed dial.
// ErrRejected means auth failed.
func (c *Client) serveOnce(ctx context.Context, restore bool) (connected bool, err error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	defer ws.Close()

	if err := c.handshake(ws); err != nil {
		return false, err
	}
	c.logger.Info("connected", "machine_id", c.machineID, "server", c.cfg.ServerURL)

	if restore && c.lastProject != "" {
		if err := c.send(ws, protocol.TypeAgentSessionRestore, &protocol.SessionRestorePayload{
			MachineName: c.cfg.MachineName,
			ProjectPath: c.lastProject,
		}); err != nil {
			return true, err
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(sessionCtx, ws)

	return true, c.readLoop(sessionCtx, ws)
}

// handshake authenticates and waits for the ack.
func (c *Client) handshake(ws *websocket.Conn) error {
	if err := c.send(ws, protocol.TypeAgentConnect, &protocol.ConnectPayload{
		Token:       c.cfg.Token,
		MachineName: c.cfg.MachineName,
		Projects:    c.cfg.Projects,
	}); err != nil {
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		// The relay closes rejected links without a readable frame.
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	_, payload, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding ack: %w", err)
	}
	ack, ok := payload.(*protocol.ConnectAckPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected first message", ErrRejected)
	}
	c.machineID = ack.MachineID
	return nil
}

// pingLoop sends the durable liveness signal. The transport's own ping
// frames do not update last-seen state on the relay.
func (c *Client) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ws, protocol.TypeAgentPing, &protocol.PingPayload{
				MachineID: c.machineID,
				Timestamp: time.Now(),
			}); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("reading from relay: %w", err)
		}

		env, payload, err := protocol.Decode(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			c.logger.Info("ignoring unknown message type", "type", env.Type)
			continue
		case err != nil:
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handle(ctx, ws, payload)
	}
}
