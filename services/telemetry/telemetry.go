// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry configures OpenTelemetry for the process.
//
// Packages create their tracers and meters from the otel globals at
// import time. Init swaps in real providers when telemetry is enabled;
// with ModeNone the globals stay no-ops and instrumentation costs nothing.
//
// # Modes
//
//	none        no export (default)
//	stdout      spans and metrics written as JSON to the configured writer
//	prometheus  metrics exposed on /metrics through Serve
//	otlp        spans sent to an OTLP gRPC collector
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects the exporters.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeStdout     Mode = "stdout"
	ModePrometheus Mode = "prometheus"
	ModeOTLP       Mode = "otlp"
)

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownMode indicates an unrecognized telemetry mode.
	ErrUnknownMode = errors.New("unknown telemetry mode")

	// ErrNoMetricsHandler indicates Serve was called without a
	// Prometheus exporter.
	ErrNoMetricsHandler = errors.New("metrics handler requires prometheus mode")
)

// Modes returns all valid modes.
func Modes() []Mode {
	return []Mode{ModeNone, ModeStdout, ModePrometheus, ModeOTLP}
}

// ParseMode converts a string to a Mode. Empty means ModeNone.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return ModeNone, nil
	}
	for _, valid := range Modes() {
		if m == valid {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: %v)", ErrUnknownMode, s, Modes())
}

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string `json:"service_name"`

	// ServiceVersion is the binary version.
	ServiceVersion string `json:"service_version"`

	// Mode selects the exporters.
	Mode Mode `json:"mode"`

	// OTLPEndpoint is the collector address for ModeOTLP.
	OTLPEndpoint string `json:"otlp_endpoint"`

	// OTLPInsecure disables TLS for the collector connection.
	OTLPInsecure bool `json:"otlp_insecure"`

	// Writer receives stdout-mode output. Default: os.Stderr, so
	// telemetry never mixes with command output.
	Writer io.Writer `json:"-"`
}

// DefaultConfig returns telemetry disabled.
//
// Environment variables override defaults where applicable:
//   - TESTPILOT_TELEMETRY: mode
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint
func DefaultConfig() Config {
	return Config{
		ServiceName:    "testpilot",
		ServiceVersion: "dev",
		Mode:           Mode(getEnvOr("TESTPILOT_TELEMETRY", string(ModeNone))),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Telemetry holds the installed providers.
type Telemetry struct {
	mode      Mode
	handler   http.Handler
	shutdowns []func(context.Context) error
}

// Init installs tracer and meter providers for cfg.Mode.
//
// Description:
//
//	Builds a resource from the service name and version, creates the
//	exporters the mode calls for, and registers the providers as otel
//	globals. Prometheus metrics go to a private registry so repeated
//	Init calls never collide.
//
// Inputs:
//
//	ctx - Context for exporter connections
//	cfg - Telemetry configuration
//
// Outputs:
//
//	*Telemetry - Call Shutdown on exit to flush exporters
//	error - ErrNilContext, ErrUnknownMode, or an exporter error
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	t := &Telemetry{mode: mode}
	if mode == ModeNone {
		return t, nil
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	switch mode {
	case ModeStdout:
		tp, err := newStdoutTracer(cfg, res)
		if err != nil {
			return nil, err
		}
		mp, err := newStdoutMeter(cfg, res)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, err
		}
		t.install(tp, mp)

	case ModePrometheus:
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		t.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		t.install(nil, sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		))

	case ModeOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		t.install(sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil)
	}

	return t, nil
}

func (t *Telemetry) install(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) {
	if tp != nil {
		otel.SetTracerProvider(tp)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}
	if mp != nil {
		otel.SetMeterProvider(mp)
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
	}
}

func newStdoutTracer(cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newStdoutMeter(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	), nil
}

// Mode returns the active mode.
func (t *Telemetry) Mode() Mode {
	return t.mode
}

// MetricsHandler returns the /metrics handler, or nil outside
// prometheus mode.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.handler
}

// Shutdown flushes and stops every installed provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

// Serve exposes /metrics on addr until ctx is cancelled.
//
// Description:
//
//	Binds addr synchronously so a bad address fails fast, then serves in
//	the background. The server shuts down when ctx is done.
//
// Outputs:
//
//	net.Addr - The bound address, useful when addr has port 0
//	error - ErrNoMetricsHandler or a listen error
func (t *Telemetry) Serve(ctx context.Context, addr string, logger *slog.Logger) (net.Addr, error) {
	if t.handler == nil {
		return nil, ErrNoMetricsHandler
	}
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", t.handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// LoggerWithTrace adds trace_id and span_id to logger when ctx carries a
// valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// getEnvOr returns the environment variable value or the fallback.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
