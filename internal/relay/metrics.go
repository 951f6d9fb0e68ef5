// ABOUTME: Prometheus metrics for the relay core
// ABOUTME: Registered on the default registry, exposed when metrics.enabled is set

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "devrelay",
		Name:      "agents_online",
		Help:      "Number of agent machines with a live link.",
	})

	messagesInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devrelay",
		Name:      "messages_inbound_total",
		Help:      "Inbound agent messages by type.",
	}, []string{"type"})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "devrelay",
		Name:      "sessions_started_total",
		Help:      "Sessions opened from chat surfaces.",
	})

	promptsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "devrelay",
		Name:      "prompts_dispatched_total",
		Help:      "Prompts sent to agents.",
	})

	turnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devrelay",
		Name:      "turns_completed_total",
		Help:      "Completed AI turns by reported status.",
	}, []string{"status"})

	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "devrelay",
		Name:      "tasks_created_total",
		Help:      "Cross-project tickets created.",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "devrelay",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped as malformed.",
	})
)
