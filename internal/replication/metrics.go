package replication

import "github.com/prometheus/client_golang/prometheus"

var (
	changesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twinsync_changes_pushed_total",
		Help: "Changelog entries delivered to the peer by push.",
	})
	changesPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twinsync_changes_pulled_total",
		Help: "Changelog entries fetched from the peer by pull.",
	})
	ingestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twinsync_ingest_outcomes_total",
		Help: "Incoming changes by ingest outcome.",
	}, []string{"outcome"})
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twinsync_job_runs_total",
		Help: "Scheduled replication job runs by job and status.",
	}, []string{"job", "status"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{changesPushed, changesPulled, ingestOutcomes, jobRuns}
}
