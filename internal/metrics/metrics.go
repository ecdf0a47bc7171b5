// Package metrics exposes the control plane's Prometheus instrumentation.
// Everything is registered on the default registry and served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SandboxesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ash",
		Subsystem: "pool",
		Name:      "sandboxes",
		Help:      "Live sandboxes on this host by state.",
	}, []string{"state"})

	PreWarmHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "pool",
		Name:      "prewarm_hits_total",
		Help:      "Session creations served by a pre-warmed sandbox.",
	})

	ResumeWarmHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "pool",
		Name:      "resume_warm_hits_total",
		Help:      "Resumes that found the sandbox still live.",
	})

	ResumeColdHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "pool",
		Name:      "resume_cold_hits_total",
		Help:      "Resumes that rebuilt a sandbox, by snapshot source.",
	}, []string{"source"}) // local, cloud, fresh

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Sandboxes evicted to make room for new ones.",
	})

	SessionMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "router",
		Name:      "messages_total",
		Help:      "Messages routed to sandboxes.",
	})

	SessionMessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "router",
		Name:      "message_errors_total",
		Help:      "Message turns that ended in an error, by kind.",
	}, []string{"kind"})

	RunnerHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "coordinator",
		Name:      "heartbeats_total",
		Help:      "Heartbeats received from runners.",
	})

	DeadRunners = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ash",
		Subsystem: "coordinator",
		Name:      "dead_runners_total",
		Help:      "Runners removed after missing their liveness window.",
	})
)
