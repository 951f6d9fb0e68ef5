// ABOUTME: Authenticates agent machines and tracks which link owns each machine id
// ABOUTME: Last-connect-wins displacement, offline demotion, and routing by machine id

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

// ErrAuthFailed indicates the presented token did not match the machine record.
// No further detail is attached; callers must not learn which part was wrong.
var ErrAuthFailed = errors.New("authentication failed")

// ErrConnectionClosed indicates a send on an already-closed link.
var ErrConnectionClosed = errors.New("connection closed")

// RegistryStore is what the registry needs from persistence.
type RegistryStore interface {
	GetMachineByName(ctx context.Context, name string) (*store.Machine, error)
	UpdateMachineStatus(ctx context.Context, id, status string) error
	UpdateMachineLastSeen(ctx context.Context, id string, seen time.Time) error
	UpsertProject(ctx context.Context, p *store.Project) error
}

// DisconnectHook is invoked after a machine's routing entry is removed.
// The progress-tracker cascade registers here so that agents vanishing
// mid-turn leave no dangling timers.
type DisconnectHook func(machineID string)

// Registry authenticates agents and owns the machine → live-link map.
type Registry struct {
	store  RegistryStore
	logger *slog.Logger

	mu       sync.RWMutex
	machines map[string]*Connection

	hookMu sync.RWMutex
	hooks  []DisconnectHook
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(s RegistryStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:    s,
		logger:   logger.With("component", "registry"),
		machines: make(map[string]*Connection),
	}
}

// OnDisconnect registers a hook fired whenever a machine's routing entry is
// removed (clean disconnect, link failure, or liveness demotion).
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Connect authenticates a link and records it as authoritative for its
// machine. A prior link for the same machine is displaced and closed
// (last-connect-wins). Project rows from the payload are upserted.
func (r *Registry) Connect(ctx context.Context, t Transport, p *protocol.ConnectPayload) (*Connection, error) {
	machine, err := r.store.GetMachineByName(ctx, p.MachineName)
	if err != nil {
		// Not-found and lookup failure are both reported as a bare
		// rejection; timing and detail must not leak what went wrong.
		return nil, ErrAuthFailed
	}
	if !VerifyToken(p.Token, machine.TokenDigest) {
		return nil, ErrAuthFailed
	}

	for _, proj := range p.Projects {
		if err := r.store.UpsertProject(ctx, &store.Project{
			ID:        uuid.New().String(),
			MachineID: machine.ID,
			Name:      proj.Name,
			Path:      proj.Path,
			AITool:    proj.AITool,
		}); err != nil {
			return nil, err
		}
	}

	conn := NewConnection(machine.ID, machine.Name, p.Capabilities,
		t, r.logger.With("machine_id", machine.ID))

	r.mu.Lock()
	prior := r.machines[machine.ID]
	r.machines[machine.ID] = conn
	total := len(r.machines)
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("displacing prior link", "machine_id", machine.ID)
		_ = prior.Close()
	}

	if err := r.store.UpdateMachineStatus(ctx, machine.ID, store.MachineOnline); err != nil {
		r.logger.Error("marking machine online", "error", err, "machine_id", machine.ID)
	}
	if err := r.store.UpdateMachineLastSeen(ctx, machine.ID, time.Now()); err != nil {
		r.logger.Error("recording last seen", "error", err, "machine_id", machine.ID)
	}

	r.logger.Info("machine connected",
		"machine_id", machine.ID,
		"name", machine.Name,
		"projects", len(p.Projects),
		"total_online", total,
	)
	return conn, nil
}

// Disconnect removes a machine's routing entry and marks it offline.
// The conn argument guards against a displaced link clobbering its
// successor: the entry is removed only if it still belongs to conn.
// Pass nil to force removal regardless of owner.
func (r *Registry) Disconnect(machineID string, conn *Connection) {
	r.mu.Lock()
	current, ok := r.machines[machineID]
	if !ok || (conn != nil && current != conn) {
		r.mu.Unlock()
		return
	}
	delete(r.machines, machineID)
	total := len(r.machines)
	r.mu.Unlock()

	_ = current.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateMachineStatus(ctx, machineID, store.MachineOffline); err != nil {
		r.logger.Error("marking machine offline", "error", err, "machine_id", machineID)
	}

	r.logger.Info("machine disconnected", "machine_id", machineID, "total_online", total)

	r.hookMu.RLock()
	hooks := r.hooks
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(machineID)
	}
}

// Send routes a message to a machine's live link. Returns false without
// error when no link exists: messages are never queued for offline
// machines, callers detect offline state before routing.
func (r *Registry) Send(machineID, msgType string, payload any) (delivered bool, err error) {
	r.mu.RLock()
	conn, ok := r.machines[machineID]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := conn.Send(msgType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// IsOnline reports whether a live link exists for the machine.
func (r *Registry) IsOnline(machineID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.machines[machineID]
	return ok
}

// Get returns the live link for a machine, if any.
func (r *Registry) Get(machineID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.machines[machineID]
	return conn, ok
}

// OnlineIDs returns the machine ids with live links.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live links.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// RecordPing durably updates a machine's last-seen timestamp. The transport
// probe alone is not sufficient liveness evidence: it leaves no state a
// restarted relay could read.
func (r *Registry) RecordPing(ctx context.Context, machineID string, ts time.Time) error {
	return r.store.UpdateMachineLastSeen(ctx, machineID, ts)
}
