// Package observability provides the relay's monitoring surface: structured
// logging with token redaction, Prometheus metrics, and OpenTelemetry
// tracing.
//
// # Logging
//
// NewLogger builds a slog.Logger from LogConfig (level, json/text format,
// output writer). Messages and string attribute values pass through
// redaction so handshake tokens never reach a log sink:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  cfg.Logging.Level,
//	    Format: cfg.Logging.Format,
//	})
//	slog.SetDefault(logger)
//
// # Metrics
//
// NewMetrics registers connection, event, call, message, and notification
// metrics. The gateway exposes them at /metrics:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.ConnectionOpened()
//	metrics.EventIn("send_message")
//
// # Tracing
//
// NewTracer configures the OTLP gRPC exporter. An empty endpoint yields a
// no-op tracer, so call sites never branch on whether tracing is enabled:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "pulse",
//	    Endpoint:    cfg.Tracing.Endpoint,
//	})
//	defer shutdown(ctx)
package observability
