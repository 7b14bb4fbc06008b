package monitoring

import (
	"context"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lora-orchestrator/core/monitoring"

// MetricsExporter records job lifecycle metrics through OpenTelemetry
type MetricsExporter struct {
	jobStore    repository.JobStore
	created     metric.Int64Counter
	transitions metric.Int64Counter
	samples     metric.Int64Counter
	runDuration metric.Float64Histogram
}

// NewMetricsExporter creates the instruments on provider. jobStore backs the
// jobs-by-status gauge and may be nil.
func NewMetricsExporter(provider metric.MeterProvider, jobStore repository.JobStore) (*MetricsExporter, error) {
	meter := provider.Meter(meterName)
	me := &MetricsExporter{jobStore: jobStore}

	var err error
	if me.created, err = meter.Int64Counter("lora_jobs_created_total",
		metric.WithDescription("Jobs accepted by the controller")); err != nil {
		return nil, err
	}
	if me.transitions, err = meter.Int64Counter("lora_job_transitions_total",
		metric.WithDescription("Job status transitions by target status")); err != nil {
		return nil, err
	}
	if me.samples, err = meter.Int64Counter("lora_progress_samples_total",
		metric.WithDescription("Progress samples recorded by workers")); err != nil {
		return nil, err
	}
	if me.runDuration, err = meter.Float64Histogram("lora_job_run_duration_seconds",
		metric.WithDescription("Wall time from claim to terminal state"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	if jobStore != nil {
		_, err = meter.Int64ObservableGauge("lora_jobs",
			metric.WithDescription("Jobs currently in each status"),
			metric.WithInt64Callback(me.observeJobs))
		if err != nil {
			return nil, err
		}
	}
	return me, nil
}

// A nil exporter records nothing.
func (me *MetricsExporter) JobCreated(ctx context.Context) {
	if me == nil {
		return
	}
	me.created.Add(ctx, 1)
}

func (me *MetricsExporter) Transition(ctx context.Context, to models.JobStatus, reason string) {
	if me == nil {
		return
	}
	me.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(to)),
		attribute.String("reason", reason),
	))
}

func (me *MetricsExporter) SampleRecorded(ctx context.Context) {
	if me == nil {
		return
	}
	me.samples.Add(ctx, 1)
}

// RunFinished records how long a claimed job ran before reaching status
func (me *MetricsExporter) RunFinished(ctx context.Context, status models.JobStatus, d time.Duration) {
	if me == nil {
		return
	}
	me.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", string(status))))
}

func (me *MetricsExporter) observeJobs(ctx context.Context, o metric.Int64Observer) error {
	counts, err := me.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for status, n := range counts {
		o.Observe(int64(n), metric.WithAttributes(attribute.String("status", string(status))))
	}
	return nil
}

// CountByStatus returns the number of jobs in every status
func (me *MetricsExporter) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	counts := map[models.JobStatus]int{
		models.JobStatusPending:   0,
		models.JobStatusRunning:   0,
		models.JobStatusCompleted: 0,
		models.JobStatusFailed:    0,
		models.JobStatusCancelled: 0,
	}
	if me.jobStore == nil {
		return counts, nil
	}

	jobs, err := me.jobStore.ListJobs(ctx, models.ListFilter{})
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		counts[job.Status]++
	}
	return counts, nil
}
