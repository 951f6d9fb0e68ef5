// ABOUTME: Relay orchestrator wiring registry, monitor, conversation, ledger, streamer
// ABOUTME: Owns the HTTP server with health, metrics, and the agent WebSocket endpoint

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/murata1215/devrelay-sub000/internal/agent"
	"github.com/murata1215/devrelay-sub000/internal/chat"
	"github.com/murata1215/devrelay-sub000/internal/config"
	"github.com/murata1215/devrelay-sub000/internal/conversation"
	"github.com/murata1215/devrelay-sub000/internal/heartbeat"
	"github.com/murata1215/devrelay-sub000/internal/progress"
	"github.com/murata1215/devrelay-sub000/internal/store"
	"github.com/murata1215/devrelay-sub000/internal/task"
)

// Relay is the server core: it accepts agent links, routes their messages,
// and drives sessions between chat participants and agents.
type Relay struct {
	cfg      *config.Config
	store    store.Store
	registry *agent.Registry
	monitor  *heartbeat.Monitor
	conv     *conversation.Service
	tasks    *task.Service
	streamer *progress.Streamer
	adapters map[string]chat.Adapter
	logger   *slog.Logger
	serverID string

	httpServer *http.Server
}

// New wires a Relay from its collaborators. adapters are keyed by platform
// inside; pass every platform the deployment serves.
func New(cfg *config.Config, st store.Store, adapters []chat.Adapter, logger *slog.Logger) *Relay {
	registry := agent.NewRegistry(st, logger)

	r := &Relay{
		cfg:      cfg,
		store:    st,
		registry: registry,
		conv: conversation.NewService(st, registry,
			cfg.Conversation.ContextEntries, cfg.Conversation.PlanEntries, logger),
		tasks: task.NewService(st, registry, logger),
		streamer: progress.NewStreamer(adapters,
			cfg.Streamer.EditInterval, cfg.Streamer.TailLines, logger),
		adapters: make(map[string]chat.Adapter, len(adapters)),
		logger:   logger.With("component", "relay"),
		serverID: uuid.New().String(),
	}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}

	r.monitor = heartbeat.New(st, func(machineID string) {
		registry.Disconnect(machineID, nil)
	}, cfg.Agents.SweepInterval, cfg.Agents.OfflineAfter, logger)

	// Agents that vanish mid-turn leave no dangling trackers or wedged
	// dispatch gates.
	registry.OnDisconnect(r.abandonMachineSessions)

	return r
}

// Registry exposes the agent registry, mainly for tests and the CLI.
func (r *Relay) Registry() *agent.Registry { return r.registry }

// Conversations exposes the conversation service.
func (r *Relay) Conversations() *conversation.Service { return r.conv }

// Tasks exposes the task ledger.
func (r *Relay) Tasks() *task.Service { return r.tasks }

// Start launches the heartbeat monitor and the HTTP server. It blocks until
// the server stops.
func (r *Relay) Start(ctx context.Context) error {
	r.monitor.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/health/ready", r.handleReady)
	mux.HandleFunc("/ws/agent", r.handleAgentSocket)
	mux.HandleFunc("/chat", r.handleChatHTTP)
	if r.cfg.Metrics.Enabled {
		mux.Handle(r.cfg.Metrics.Path, promhttp.Handler())
	}

	r.httpServer = &http.Server{
		Addr:              r.cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.logger.Info("relay listening",
		"addr", r.cfg.Server.HTTPAddr,
		"server_id", r.serverID,
		"metrics", r.cfg.Metrics.Enabled,
	)
	err := r.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the monitor and drains the HTTP server.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.monitor.Stop()
	if r.httpServer == nil {
		return nil
	}
	if err := r.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}
	return nil
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady also checks the store so load balancers stop routing when the
// database is gone.
func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if _, err := r.store.ListMachines(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// abandonMachineSessions discards progress trackers and dispatch gates for
// every active session on a machine whose link just went away.
func (r *Relay) abandonMachineSessions(machineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := r.store.ListActiveSessionsByMachine(ctx, machineID)
	if err != nil {
		r.logger.Error("listing sessions for disconnect cascade", "error", err, "machine_id", machineID)
		return
	}
	for _, sess := range sessions {
		r.streamer.Abort(sess.ID)
		r.conv.Release(sess.ID)
	}
	agentsOnline.Set(float64(r.registry.Count()))
}
