// Package tracing provides Sentry-based error tracking and performance
// monitoring for node provider operations. A nil or disabled *Tracer is safe
// to use everywhere and does nothing.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const serviceName = "runpod-node-provider"

// Config holds Sentry configuration options
type Config struct {
	// DSN is the Sentry Data Source Name. Tracing is disabled when empty.
	DSN string

	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string

	// Release is the application version/release identifier
	Release string

	// TracesSampleRate is the sample rate for performance traces (0.0 to 1.0)
	TracesSampleRate float64

	// ErrorSampleRate is the sample rate for error events (0.0 to 1.0)
	ErrorSampleRate float64

	// Debug enables Sentry debug mode
	Debug bool

	// ServerName is the name of this server/instance
	ServerName string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Environment:      "development",
		Release:          "unknown",
		TracesSampleRate: 0.1,
		ErrorSampleRate:  1.0,
	}
}

// Tracer wraps Sentry functionality
type Tracer struct {
	config  *Config
	logger  *zap.Logger
	enabled bool
}

// NewTracer initializes Sentry and returns a Tracer instance
func NewTracer(config *Config, logger *zap.Logger) (*Tracer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracer{
		config:  config,
		logger:  logger,
		enabled: config.DSN != "",
	}

	if !t.enabled {
		logger.Info("Sentry tracing disabled (no DSN configured)")
		return t, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      config.Environment,
		Release:          config.Release,
		Debug:            config.Debug,
		ServerName:       config.ServerName,
		TracesSampleRate: config.TracesSampleRate,
		SampleRate:       config.ErrorSampleRate,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return tagService(event)
		},
		BeforeSendTransaction: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return tagService(event)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	logger.Info("Sentry tracing initialized",
		zap.String("environment", config.Environment),
		zap.String("release", config.Release),
		zap.Float64("tracesSampleRate", config.TracesSampleRate),
		zap.Float64("errorSampleRate", config.ErrorSampleRate),
	)

	return t, nil
}

func tagService(event *sentry.Event) *sentry.Event {
	if event.Tags == nil {
		event.Tags = map[string]string{}
	}
	event.Tags["service"] = serviceName
	return event
}

// IsEnabled returns true if Sentry tracing is enabled
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.enabled
}

// Flush waits for buffered events to be sent to Sentry
func (t *Tracer) Flush(timeout time.Duration) {
	if t.IsEnabled() {
		sentry.Flush(timeout)
	}
}

// Close flushes pending events
func (t *Tracer) Close() {
	t.Flush(5 * time.Second)
}

// CaptureError captures an error using the hub attached to ctx, if any
func (t *Tracer) CaptureError(ctx context.Context, err error, tags map[string]string) {
	if !t.IsEnabled() || err == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// StartOperation starts a transaction for a node provider operation.
// nodeID may be empty for cluster-wide operations.
func (t *Tracer) StartOperation(ctx context.Context, operation, cluster, nodeID string) (context.Context, *sentry.Span) {
	if !t.IsEnabled() {
		return ctx, nil
	}

	span := sentry.StartTransaction(ctx, "provider."+operation,
		sentry.WithOpName("node.lifecycle"),
		sentry.WithTransactionSource(sentry.SourceCustom),
	)
	span.Description = operation
	span.SetTag("cluster", cluster)
	if nodeID != "" {
		span.SetTag("node", nodeID)
	}
	return span.Context(), span
}

// FinishOperation finishes a span started by StartOperation and reports err
func (t *Tracer) FinishOperation(ctx context.Context, span *sentry.Span, err error) {
	if span == nil {
		return
	}

	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("error", err.Error())
		t.CaptureError(ctx, err, map[string]string{"operation": span.Description})
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()
}

// HTTPTransport wraps an http.RoundTripper with a span per RunPod API request
type HTTPTransport struct {
	tracer    *Tracer
	transport http.RoundTripper
}

// NewHTTPTransport creates a new tracing HTTP transport
func NewHTTPTransport(tracer *Tracer, transport http.RoundTripper) *HTTPTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPTransport{
		tracer:    tracer,
		transport: transport,
	}
}

// RoundTrip implements http.RoundTripper
func (t *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.tracer.IsEnabled() {
		return t.transport.RoundTrip(req)
	}

	span := sentry.StartSpan(req.Context(), "http.client")
	span.Description = req.Method + " " + req.URL.Path
	span.SetTag("http.method", req.Method)
	span.SetTag("http.host", req.URL.Host)
	defer span.Finish()

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("error", err.Error())
		return resp, err
	}

	span.SetTag("http.status_code", strconv.Itoa(resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.Status = sentry.SpanStatusInternalError
	} else {
		span.Status = sentry.SpanStatusOK
	}
	return resp, nil
}
