// Package observability provides structured logging and tracing for the
// governance services.
//
// Logging is zap based: NewLogger builds the process logger and
// WithLogger/LoggerFrom carry a request-scoped child logger through ctx.
// Tracing wraps OpenTelemetry with a stdout exporter; spans are no-ops until
// InitTracing is called.
package observability
