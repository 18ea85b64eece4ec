// Package metrics records pipeline counters through the OpenTelemetry metric API.
// No exporter is installed here; whichever MeterProvider the process registers
// receives the measurements.
package metrics

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/Lllllllleong/clinicaldocumentflow"

// Recorder holds the pipeline counters.
type Recorder struct {
	terminalFailures   metric.Int64Counter
	dispatched         metric.Int64Counter
	stepsFailed        metric.Int64Counter
	instancesCompleted metric.Int64Counter
}

// New creates the counters on meter.
func New(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.terminalFailures, err = meter.Int64Counter("docflow.recovery.terminal_failures",
		metric.WithDescription("Recovery requests refused because the retry bound was reached")); err != nil {
		return nil, eris.Wrap(err, "metrics: create terminal_failures counter")
	}
	if r.dispatched, err = meter.Int64Counter("docflow.recovery.dispatched",
		metric.WithDescription("Stage groups re-dispatched by recovery")); err != nil {
		return nil, eris.Wrap(err, "metrics: create dispatched counter")
	}
	if r.stepsFailed, err = meter.Int64Counter("docflow.steps.failed",
		metric.WithDescription("Step attempts recorded as FAILED")); err != nil {
		return nil, eris.Wrap(err, "metrics: create steps.failed counter")
	}
	if r.instancesCompleted, err = meter.Int64Counter("docflow.instances.completed",
		metric.WithDescription("Operation instances that passed the join")); err != nil {
		return nil, eris.Wrap(err, "metrics: create instances.completed counter")
	}
	return &r, nil
}

// NewGlobal creates the counters on the globally registered MeterProvider.
func NewGlobal() (*Recorder, error) {
	return New(otel.Meter(instrumentationName))
}

func (r *Recorder) TerminalFailure(ctx context.Context, stepID string) {
	r.terminalFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", stepID)))
}

func (r *Recorder) Dispatched(ctx context.Context, group string) {
	r.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
}

func (r *Recorder) StepFailed(ctx context.Context, stepID string, permanent bool) {
	r.stepsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", stepID),
		attribute.Bool("permanent", permanent),
	))
}

func (r *Recorder) InstanceCompleted(ctx context.Context, operationType string) {
	r.instancesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
}
