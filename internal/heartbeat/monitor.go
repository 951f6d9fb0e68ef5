// ABOUTME: Periodic liveness sweep demoting machines with stale last-seen timestamps
// ABOUTME: Safety net for half-open links that die without a clean close

package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/murata1215/devrelay-sub000/internal/store"
)

// MonitorStore is what the sweep needs from persistence.
type MonitorStore interface {
	ListMachines(ctx context.Context) ([]*store.Machine, error)
	UpdateMachineStatus(ctx context.Context, id, status string) error
}

// Monitor sweeps on a fixed period, independent of any individual link's
// probe interval, and demotes machines whose durable last-seen is older
// than the timeout. Demotion is an internal state transition, not an error.
type Monitor struct {
	store      MonitorStore
	disconnect func(machineID string)
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	done chan struct{}
}

// New creates a Monitor. disconnect is called for each demoted machine and
// is expected to drop the routing entry and fire the disconnect cascade.
func New(s MonitorStore, disconnect func(machineID string), interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:      s,
		disconnect: disconnect,
		interval:   interval,
		timeout:    timeout,
		logger:     logger.With("component", "heartbeat"),
		done:       make(chan struct{}),
	}
}

// Start launches the sweep loop. It stops when ctx is canceled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// Sweep runs one pass: every online machine whose last-seen is older than
// the timeout is marked offline and its routing entry dropped.
func (m *Monitor) Sweep(ctx context.Context) {
	machines, err := m.store.ListMachines(ctx)
	if err != nil {
		m.logger.Error("listing machines for sweep", "error", err)
		return
	}

	cutoff := time.Now().Add(-m.timeout)
	for _, machine := range machines {
		if machine.Status != store.MachineOnline {
			continue
		}
		if machine.LastSeen != nil && machine.LastSeen.After(cutoff) {
			continue
		}

		m.logger.Info("liveness timeout, demoting machine",
			"machine_id", machine.ID,
			"name", machine.Name,
			"last_seen", machine.LastSeen,
		)
		// Disconnect marks the machine offline and fires the cascade.
		// For machines online in the store but without a live link
		// (e.g. after a relay restart), fall back to a direct demotion.
		m.disconnect(machine.ID)
		if err := m.store.UpdateMachineStatus(ctx, machine.ID, store.MachineOffline); err != nil {
			m.logger.Error("demoting machine", "error", err, "machine_id", machine.ID)
		}
	}
}
