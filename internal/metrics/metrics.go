// Package metrics exports run counters to a Prometheus Pushgateway. A
// one-shot CLI cannot be scraped, so the run pushes its results on exit.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Job is the Pushgateway job name
const Job = "kkmigrate"

// Run holds the collectors describing one run
type Run struct {
	registry  *prometheus.Registry
	documents *prometheus.GaugeVec
	exitCode  prometheus.Gauge
	duration  prometheus.Gauge
	finished  prometheus.Gauge
}

// NewRun creates the collectors on a private registry
func NewRun() *Run {
	r := &Run{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kkmigrate_documents",
			Help: "Documents handled by the last run, by migration and outcome.",
		}, []string{"migration", "outcome"}),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kkmigrate_run_exit_code",
			Help: "Exit code of the last run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kkmigrate_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kkmigrate_run_finished_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}
	r.registry.MustRegister(r.documents, r.exitCode, r.duration, r.finished)
	return r
}

// Observe records a run result
func (r *Run) Observe(res *migrations.Result) {
	for _, o := range res.Outcomes {
		if o.Report == nil {
			continue
		}
		counts := map[string]int64{
			"found":     o.Report.Found,
			"inserted":  o.Report.Inserted,
			"modified":  o.Report.Modified,
			"unchanged": o.Report.Unchanged,
			"skipped":   o.Report.Skipped,
			"removed":   o.Report.Removed,
			"malformed": o.Report.Malformed,
			"failed":    o.Report.Failed,
		}
		for outcome, n := range counts {
			r.documents.WithLabelValues(o.Name, outcome).Set(float64(n))
		}
	}
	r.exitCode.Set(float64(res.ExitCode()))
	r.duration.Set(res.FinishedAt.Sub(res.StartedAt).Seconds())
	r.finished.Set(float64(res.FinishedAt.Unix()))
}

// Documents returns the gauge for one migration and outcome
func (r *Run) Documents(migration, outcome string) prometheus.Gauge {
	return r.documents.WithLabelValues(migration, outcome)
}

// Push replaces the job's metrics on the gateway, grouped by database
func (r *Run) Push(ctx context.Context, gatewayURL, database string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := push.New(gatewayURL, Job).
		Gatherer(r.registry).
		Grouping("database", database).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
