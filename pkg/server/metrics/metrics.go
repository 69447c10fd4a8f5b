package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "farm"
	subsystem = "server"

	StatusOK    = "ok"
	StatusError = "error"

	LabelStatus = "status"
	LabelState  = "state"
	LabelKind   = "kind"
)

var (
	activeDeployments = make(map[string]interface{})
	qlock             = &sync.Mutex{}
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

func DatabaseQuery(t time.Time, err error) {
	elapsed := time.Since(t)
	databaseQueries.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Observe(elapsed.Seconds())
}

// DeploymentState records a deployment entering a state and keeps the
// running-deployments gauge current.
func DeploymentState(id, state string, terminal bool) {
	stateTransitions.With(prometheus.Labels{
		LabelState: state,
	}).Inc()

	// avoid concurrent map writes
	qlock.Lock()
	defer qlock.Unlock()

	if terminal {
		delete(activeDeployments, id)
	} else {
		activeDeployments[id] = new(interface{})
	}
	runningDeployments.Set(float64(len(activeDeployments)))
}

func StepFailure(kind string) {
	stepFailures.With(prometheus.Labels{
		LabelKind: kind,
	}).Inc()
}

var (
	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute database queries",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelStatus,
		},
	)

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "state_transition",
		Help:      "deployment state transitions",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelState,
		},
	)

	runningDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "running_deployments",
		Help:      "number of deployments not yet in a terminal state",
		Namespace: namespace,
		Subsystem: subsystem,
	})

	stepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "step_failures",
		Help:      "failed plan steps by fault kind",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelKind,
		},
	)
)

func init() {
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(runningDeployments)
	prometheus.MustRegister(stepFailures)
}
