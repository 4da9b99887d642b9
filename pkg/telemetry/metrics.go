// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

// PipelineMetrics records pipeline outcomes. A nil *PipelineMetrics is valid
// and records nothing.
type PipelineMetrics struct {
	requests   metric.Int64Counter
	executions metric.Int64Counter
	classified metric.Int64Counter
	retries    metric.Int64Counter
	errorsSeen metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewPipelineMetrics creates the instruments on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(TracerName)
	m := &PipelineMetrics{}
	var err error

	if m.requests, err = meter.Int64Counter("kairos.pipeline.requests",
		metric.WithDescription("Pipeline requests by mode and outcome")); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("kairos.executions",
		metric.WithDescription("Execution records reaching a terminal state")); err != nil {
		return nil, err
	}
	if m.classified, err = meter.Int64Counter("kairos.classifier.results",
		metric.WithDescription("Classification results by confidence tier")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("kairos.storage.retries",
		metric.WithDescription("Storage operations retried after a transient failure")); err != nil {
		return nil, err
	}
	if m.errorsSeen, err = meter.Int64Counter("kairos.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("kairos.pipeline.duration_ms",
		metric.WithDescription("Orchestration wall-clock duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest counts a finished request.
func (m *PipelineMetrics) RecordRequest(ctx context.Context, mode, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrMode, mode),
		attribute.String("outcome", outcome),
	))
}

// RecordExecution counts an execution reaching status.
func (m *PipelineMetrics) RecordExecution(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStatus, status)))
}

// RecordClassification counts a classifier result.
func (m *PipelineMetrics) RecordClassification(ctx context.Context, confidence string, matched bool) {
	if m == nil {
		return
	}
	m.classified.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrConfidence, confidence),
		attribute.Bool(AttrMatched, matched),
	))
}

// RecordRetry counts a storage retry.
func (m *PipelineMetrics) RecordRetry(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrErrorCode, string(errors.CodeOf(err)))))
}

// RecordError counts err against component.
func (m *PipelineMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	m.errorsSeen.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(errors.CodeOf(err))),
		attribute.String(AttrComponent, component),
	))
}

// RecordDuration records how long orchestration took on path.
func (m *PipelineMetrics) RecordDuration(ctx context.Context, path string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String(AttrPath, path)))
}
