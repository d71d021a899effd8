// Package telemetry records delivery-pipeline metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sendqueue.pipeline"

var (
	initOnce sync.Once

	sendsStarted     metric.Int64Counter
	stageRetries     metric.Int64Counter
	terminalFailures metric.Int64Counter
	cancellations    metric.Int64Counter
)

// Environment returns the deployment environment label attached to metrics.
func Environment() string {
	env := strings.TrimSpace(os.Getenv("SENDQUEUE_ENV"))
	if env == "" {
		return "dev"
	}
	return env
}

func instruments() {
	initOnce.Do(func() {
		meter := otel.Meter(meterName)
		sendsStarted, _ = meter.Int64Counter("sendqueue_sends_started_total",
			metric.WithDescription("Outgoing events entering the delivery pipeline"),
			metric.WithUnit("{event}"))
		stageRetries, _ = meter.Int64Counter("sendqueue_stage_retries_total",
			metric.WithDescription("Stage executions re-scheduled after a transient failure"),
			metric.WithUnit("{retry}"))
		terminalFailures, _ = meter.Int64Counter("sendqueue_terminal_failures_total",
			metric.WithDescription("Echoes parked in a terminal failure state"),
			metric.WithUnit("{event}"))
		cancellations, _ = meter.Int64Counter("sendqueue_cancellations_total",
			metric.WithDescription("Cancel requests honored by a pipeline stage"),
			metric.WithUnit("{event}"))
	})
}

// RecordSendStarted counts an event entering the pipeline.
func RecordSendStarted(ctx context.Context, encrypted bool) {
	instruments()
	if sendsStarted == nil {
		return
	}
	sendsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", Environment()),
		attribute.Bool("encrypted", encrypted)))
}

// RecordStageRetry counts a stage retry.
func RecordStageRetry(ctx context.Context, stage string) {
	instruments()
	if stageRetries == nil {
		return
	}
	stageRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", Environment()),
		attribute.String("stage", stage)))
}

// RecordTerminalFailure counts an echo reaching a terminal failure state.
func RecordTerminalFailure(ctx context.Context, state string) {
	instruments()
	if terminalFailures == nil {
		return
	}
	terminalFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", Environment()),
		attribute.String("state", state)))
}

// RecordCancellationHonored counts a cancel request honored by a stage.
func RecordCancellationHonored(ctx context.Context) {
	instruments()
	if cancellations == nil {
		return
	}
	cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", Environment())))
}
