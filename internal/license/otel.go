package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "playguard/license"
	MeterName  = "playguard/license"
)

// LicenseMetrics holds the license engine's OpenTelemetry instruments
type LicenseMetrics struct {
	// Request metrics
	RequestAttempts   metric.Int64Counter
	RequestSuccess    metric.Int64Counter
	RequestFailures   metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	AuthorityCalls    metric.Int64Counter
	CoalescedRequests metric.Int64Counter
	InFlightRequests  metric.Int64UpDownCounter

	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	// Lifecycle metrics
	PlaysRecorded      metric.Int64Counter
	Revocations        metric.Int64Counter
	ViolationsRecorded metric.Int64Counter
	ViolationsPruned   metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.RequestAttempts, err = meter.Int64Counter(
		"license_request_attempts_total",
		metric.WithDescription("Total number of license requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request attempts counter: %w", err)
	}

	metrics.RequestSuccess, err = meter.Int64Counter(
		"license_request_success_total",
		metric.WithDescription("Total number of granted license requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request success counter: %w", err)
	}

	metrics.RequestFailures, err = meter.Int64Counter(
		"license_request_failures_total",
		metric.WithDescription("Total number of denied or failed license requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request failures counter: %w", err)
	}

	metrics.RequestDuration, err = meter.Float64Histogram(
		"license_request_duration_seconds",
		metric.WithDescription("License request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	metrics.AuthorityCalls, err = meter.Int64Counter(
		"license_authority_calls_total",
		metric.WithDescription("Total number of round trips to the license authority"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority calls counter: %w", err)
	}

	metrics.CoalescedRequests, err = meter.Int64Counter(
		"license_coalesced_requests_total",
		metric.WithDescription("Total number of license requests that shared an in-flight authority call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coalesced requests counter: %w", err)
	}

	metrics.InFlightRequests, err = meter.Int64UpDownCounter(
		"license_authority_in_flight",
		metric.WithDescription("Number of authority calls in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight gauge: %w", err)
	}

	metrics.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	metrics.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Total number of failed license validations by violation type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	metrics.PlaysRecorded, err = meter.Int64Counter(
		"license_plays_recorded_total",
		metric.WithDescription("Total number of recorded plays"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plays recorded counter: %w", err)
	}

	metrics.Revocations, err = meter.Int64Counter(
		"license_revocations_total",
		metric.WithDescription("Total number of license revocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocations counter: %w", err)
	}

	metrics.ViolationsRecorded, err = meter.Int64Counter(
		"license_violations_recorded_total",
		metric.WithDescription("Total number of compliance violations recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create violations recorded counter: %w", err)
	}

	metrics.ViolationsPruned, err = meter.Int64Counter(
		"license_violations_pruned_total",
		metric.WithDescription("Total number of compliance violations pruned by age"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create violations pruned counter: %w", err)
	}

	return metrics, nil
}

// startSpan starts a license span tagged with the track
func (m *Manager) startSpan(ctx context.Context, name, trackID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("license.track_id", trackID),
		attribute.String("component", "license_manager"),
	)
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records the outcome on span and ends it
func endSpan(span trace.Span, start time.Time, err error, ok bool, failure string) {
	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(time.Since(start).Milliseconds())),
		attribute.Bool("license.success", err == nil && ok),
	)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !ok:
		span.SetStatus(codes.Error, failure)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *Manager) recordRequestMetrics(ctx context.Context, duration time.Duration, success bool, shared bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(attribute.String("operation", "request"))

	m.metrics.RequestAttempts.Add(ctx, 1, labels)
	m.metrics.RequestDuration.Record(ctx, duration.Seconds(), labels)

	if success {
		m.metrics.RequestSuccess.Add(ctx, 1, labels)
	} else {
		m.metrics.RequestFailures.Add(ctx, 1, labels)
	}
	if shared {
		m.metrics.CoalescedRequests.Add(ctx, 1, labels)
	}
}

func (m *Manager) recordValidationMetrics(ctx context.Context, duration time.Duration, f *finding) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(attribute.String("operation", "validation"))

	m.metrics.ValidationAttempts.Add(ctx, 1, labels)
	m.metrics.ValidationDuration.Record(ctx, duration.Seconds(), labels)

	if f != nil {
		m.metrics.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("violation_type", string(f.Type)),
			attribute.String("severity", string(f.Severity)),
		))
		m.metrics.ViolationsRecorded.Add(ctx, 1)
	}
}

// count adds n to the counter chosen by pick when metrics are enabled
func (m *Manager) count(ctx context.Context, pick func(*LicenseMetrics) metric.Int64Counter, n int64) {
	if m.metrics == nil {
		return
	}
	if c := pick(m.metrics); c != nil {
		c.Add(ctx, n)
	}
}
