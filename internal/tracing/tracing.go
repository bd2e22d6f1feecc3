// Package tracing wires OpenTelemetry spans through the orchestrator core
// (spec §11.4): the runner pool's spawn step, the scheduler's next-task
// query, and the PR cycle's rebase/merge attempts each accept a trace.Tracer
// and open a span around their work. Grounded on
// perles/internal/orchestration/tracing's Provider/exporter split and its
// middleware's "nil tracer means pass-through" convention, simplified from
// the teacher's file/stdout/otlp three-way exporter choice to the three the
// spec names: none, stdout, otlp.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the export backend for the orchestrator's spans.
type Config struct {
	Exporter     string // "none" | "stdout" | "otlp"
	OTLPEndpoint string
	ServiceName  string
}

// Provider wraps the SDK TracerProvider so callers get one Tracer and one
// Shutdown regardless of which exporter is configured.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a Provider for cfg.Exporter. "none" (the default)
// yields a real TracerProvider with no exporter attached, so spans are
// created (and can be inspected via context) but never leave the process.
func NewProvider(cfg Config) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "caw-orchestrator"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "none":
		exporter = nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)

	return &Provider{sdk: sdk, tracer: sdk.Tracer(serviceName)}, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and releases the underlying SDK provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// NoopTracer returns a tracer that creates no-op spans, for components
// constructed without a Provider (tests, CLI subcommands that never spawn
// agents).
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("noop")
}

// Span attribute keys, named the way perles/internal/orchestration/tracing
// names its AttrXxx constants.
const (
	AttrWorkflowID = "workflow.id"
	AttrTaskID     = "task.id"
	AttrAgentID    = "agent.id"
	AttrWorkspace  = "workspace.path"
	AttrOutcome    = "spawn.outcome"
	AttrAttempt    = "rebase.attempt"
)
