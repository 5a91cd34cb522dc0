package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"torrentjobs/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobs",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobs",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	EngineState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobs",
		Name:      "engine_state",
		Help:      "1 for the current engine lifecycle state, 0 otherwise.",
	}, []string{"state"})

	RegisteredJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobs",
		Name:      "registered",
		Help:      "Number of jobs in the registry.",
	})

	RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobs",
		Name:      "running",
		Help:      "Number of jobs actively transferring.",
	})

	PendingAdmissions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobs",
		Name:      "pending_admissions",
		Help:      "Number of descriptors queued or being admitted.",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobs",
		Name:      "commands_total",
		Help:      "Dispatched commands by kind and outcome.",
	}, []string{"kind", "outcome"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobs",
		Name:      "command_duration_seconds",
		Help:      "Time a command spent running on a worker.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"kind"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobs",
		Name:      "dispatch_queue_depth",
		Help:      "Commands waiting per dispatcher worker.",
	}, []string{"worker"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobs",
		Name:      "events_published_total",
		Help:      "Engine events published by type.",
	}, []string{"type"})

	ResumeSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobs",
		Name:      "resume_saves_total",
		Help:      "Resume state saves by result.",
	}, []string{"result"})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobs",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all jobs.",
	})
)

var engineStates = []domain.EngineState{
	domain.StateUninitialized,
	domain.StateInitializing,
	domain.StateStarted,
	domain.StateStopping,
	domain.StateStopped,
}

// SetEngineState marks current as the only active lifecycle state.
func SetEngineState(current domain.EngineState) {
	for _, s := range engineStates {
		v := 0.0
		if s == current {
			v = 1
		}
		EngineState.WithLabelValues(string(s)).Set(v)
	}
}

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EngineState,
		RegisteredJobs,
		RunningJobs,
		PendingAdmissions,
		CommandsTotal,
		CommandDuration,
		QueueDepth,
		EventsPublished,
		ResumeSavesTotal,
		PeersConnected,
	)
}
