package main

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/NeuralBlitz/NBOS-Web/internal/system"
)

func noShutdown(context.Context) error { return nil }

// tracing exports gate and pipeline spans to w when enabled. The returned
// shutdown flushes the exporter.
func tracing(enabled bool, w io.Writer) ([]system.Option, func(context.Context) error, error) {
	if !enabled {
		return nil, noShutdown, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	return []system.Option{system.WithTracer(tp.Tracer("nbos"))}, tp.Shutdown, nil
}
