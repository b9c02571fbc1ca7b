// Package observability provides a metrics extension that records
// workflow run and step lifecycle counters through the OpenTelemetry
// metric API. Point it at any configured MeterProvider (Prometheus
// exporter, OTLP, the SDK's manual reader in tests) to export metrics.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stepflow/stepflow/hook"
	"github.com/stepflow/stepflow/workflow"
)

// Compile-time interface checks.
var (
	_ hook.Extension     = (*MetricsExtension)(nil)
	_ hook.RunStarted    = (*MetricsExtension)(nil)
	_ hook.StepCompleted = (*MetricsExtension)(nil)
	_ hook.StepFailed    = (*MetricsExtension)(nil)
	_ hook.RunCompleted  = (*MetricsExtension)(nil)
	_ hook.RunFailed     = (*MetricsExtension)(nil)
)

const meterName = "github.com/stepflow/stepflow/observability"

// MetricsExtension records run and step lifecycle metrics. Register it
// with the engine to automatically track run starts, completions,
// failures, durations, and per-step outcomes, partitioned by workflow
// name.
type MetricsExtension struct {
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter
	runDuration   metric.Float64Histogram
	stepsDone     metric.Int64Counter
	stepsFailed   metric.Int64Counter
	stepDuration  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithProvider(otel.GetMeterProvider())
}

// NewMetricsExtensionWithProvider creates a MetricsExtension backed by
// the given MeterProvider.
func NewMetricsExtensionWithProvider(provider metric.MeterProvider) (*MetricsExtension, error) {
	meter := provider.Meter(meterName)

	m := &MetricsExtension{}
	var err error

	if m.runsStarted, err = meter.Int64Counter("stepflow.run.started",
		metric.WithDescription("Workflow runs started")); err != nil {
		return nil, err
	}
	if m.runsCompleted, err = meter.Int64Counter("stepflow.run.completed",
		metric.WithDescription("Workflow runs completed successfully")); err != nil {
		return nil, err
	}
	if m.runsFailed, err = meter.Int64Counter("stepflow.run.failed",
		metric.WithDescription("Workflow runs that ended in failure")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("stepflow.run.duration",
		metric.WithDescription("End-to-end run duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.stepsDone, err = meter.Int64Counter("stepflow.step.completed",
		metric.WithDescription("Workflow steps recorded as succeeded")); err != nil {
		return nil, err
	}
	if m.stepsFailed, err = meter.Int64Counter("stepflow.step.failed",
		metric.WithDescription("Workflow steps that exhausted their retry budget")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Individual step execution duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return m, nil
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnRunStarted implements hook.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, r *workflow.Run) error {
	m.runsStarted.Add(ctx, 1, workflowAttr(r))
	return nil
}

// OnStepCompleted implements hook.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, r *workflow.Run, stepName string, elapsed time.Duration) error {
	attrs := stepAttrs(r, stepName)
	m.stepsDone.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnStepFailed implements hook.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, r *workflow.Run, stepName string, _ error) error {
	m.stepsFailed.Add(ctx, 1, stepAttrs(r, stepName))
	return nil
}

// OnRunCompleted implements hook.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
	attrs := workflowAttr(r)
	m.runsCompleted.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnRunFailed implements hook.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, r *workflow.Run, _ error) error {
	m.runsFailed.Add(ctx, 1, workflowAttr(r))
	return nil
}

func workflowAttr(r *workflow.Run) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow", r.Name))
}

func stepAttrs(r *workflow.Run, stepName string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("workflow", r.Name),
		attribute.String("step", stepName),
	)
}
