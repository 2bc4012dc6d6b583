package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/podscale/runpod-node-provider/internal/logging"
	"github.com/podscale/runpod-node-provider/pkg/metrics"
)

// AuditEvent represents a structured audit log entry
type AuditEvent struct {
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// EventType is the type of event (from events.go)
	EventType EventType `json:"eventType"`

	// Category groups related events
	Category EventCategory `json:"category"`

	// Severity indicates the importance level
	Severity EventSeverity `json:"severity"`

	// RequestID correlates the event with a specific request
	RequestID string `json:"requestId,omitempty"`

	// Actor identifies who or what initiated the action
	Actor string `json:"actor,omitempty"`

	// Resource identifies the affected node
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Details contains event-specific information
	Details map[string]interface{} `json:"details,omitempty"`

	// Outcome indicates success or failure
	Outcome string `json:"outcome,omitempty"`

	// Message is a human-readable description
	Message string `json:"message,omitempty"`

	// Duration is how long the operation took
	Duration time.Duration `json:"duration,omitempty"`
}

// ResourceInfo identifies an affected resource
type ResourceInfo struct {
	// Kind is the resource type, "Pod" for RunPod nodes
	Kind string `json:"kind"`

	// Name is the node id; empty when the backend never assigned one
	Name string `json:"name,omitempty"`

	// Cluster is the cluster the node belongs to
	Cluster string `json:"cluster"`
}

// EventSink defines an interface for additional audit event destinations
type EventSink interface {
	// Write sends an audit event to the sink
	Write(event *AuditEvent) error

	// Close closes the sink
	Close() error
}

// AuditLoggerConfig configures the audit logger
type AuditLoggerConfig struct {
	// Enabled controls whether audit logging is active
	Enabled bool

	// Logger is the underlying zap logger
	Logger *zap.Logger

	// DefaultActor is the default actor if not specified
	DefaultActor string

	// EventSinks are additional destinations for audit events
	EventSinks []EventSink
}

// AuditLogger handles audit event logging. A nil *AuditLogger discards events.
type AuditLogger struct {
	logger       *zap.Logger
	defaultActor string
	eventSinks   []EventSink

	mu      sync.RWMutex
	enabled bool
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(config *AuditLoggerConfig) *AuditLogger {
	if config == nil {
		config = &AuditLoggerConfig{Enabled: true}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuditLogger{
		logger:       logger.Named("audit"),
		enabled:      config.Enabled,
		defaultActor: config.DefaultActor,
		eventSinks:   config.EventSinks,
	}
}

// Log records an audit event
func (a *AuditLogger) Log(ctx context.Context, event *AuditEvent) {
	if !a.IsEnabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = GetCategory(event.EventType)
	}
	if event.Severity == "" {
		event.Severity = GetSeverity(event.EventType)
	}
	if event.RequestID == "" {
		event.RequestID = logging.GetRequestID(ctx)
	}
	if event.Actor == "" {
		event.Actor = a.defaultActor
	}

	fields := buildFields(event)
	switch event.Severity {
	case SeverityCritical, SeverityError:
		a.logger.Error(event.Message, fields...)
	case SeverityWarning:
		a.logger.Warn(event.Message, fields...)
	default:
		a.logger.Info(event.Message, fields...)
	}

	metrics.AuditEventsTotal.WithLabelValues(
		string(event.EventType),
		string(event.Category),
		string(event.Severity),
	).Inc()

	for _, sink := range a.eventSinks {
		if err := sink.Write(event); err != nil {
			a.logger.Warn("Failed to write audit event to sink",
				zap.Error(err),
				zap.String("eventType", string(event.EventType)),
			)
		}
	}
}

func buildFields(event *AuditEvent) []zapcore.Field {
	fields := []zapcore.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("eventType", string(event.EventType)),
		zap.String("category", string(event.Category)),
		zap.String("severity", string(event.Severity)),
	}

	if event.RequestID != "" {
		fields = append(fields, zap.String("requestId", event.RequestID))
	}
	if event.Actor != "" {
		fields = append(fields, zap.String("actor", event.Actor))
	}
	if event.Outcome != "" {
		fields = append(fields, zap.String("outcome", event.Outcome))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.Resource != nil {
		fields = append(fields, zap.Object("resource", event.Resource))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	return fields
}

// MarshalLogObject implements zapcore.ObjectMarshaler
func (r *ResourceInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", r.Kind)
	if r.Name != "" {
		enc.AddString("name", r.Name)
	}
	enc.AddString("cluster", r.Cluster)
	return nil
}

// Enable enables audit logging
func (a *AuditLogger) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
}

// Disable disables audit logging
func (a *AuditLogger) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
}

// IsEnabled returns whether audit logging is enabled
func (a *AuditLogger) IsEnabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// Close closes all event sinks
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	for _, sink := range a.eventSinks {
		if err := sink.Close(); err != nil {
			a.logger.Warn("Failed to close audit event sink", zap.Error(err))
		}
	}
	return nil
}

func pod(cluster, nodeID string) *ResourceInfo {
	return &ResourceInfo{Kind: "Pod", Name: nodeID, Cluster: cluster}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// LogNodeCreated logs a node that was created and tagged
func (a *AuditLogger) LogNodeCreated(ctx context.Context, cluster, nodeID, instanceType string, duration time.Duration) {
	a.Log(ctx, &AuditEvent{
		EventType: EventNodeCreated,
		Message:   "Node created",
		Outcome:   "success",
		Duration:  duration,
		Resource:  pod(cluster, nodeID),
		Details: map[string]interface{}{
			"instanceType": instanceType,
		},
	})
}

// LogNodeCreateFailed logs a failed create. nodeID is set when the pod exists
// but could not be tagged.
func (a *AuditLogger) LogNodeCreateFailed(ctx context.Context, cluster, nodeID, instanceType string, err error) {
	a.Log(ctx, &AuditEvent{
		EventType: EventNodeCreateFailed,
		Message:   "Node creation failed",
		Outcome:   "failure",
		Resource:  pod(cluster, nodeID),
		Details: map[string]interface{}{
			"instanceType": instanceType,
			"reason":       errString(err),
		},
	})
}

// LogNodeRolledBack logs the removal of a pod that was created but never tagged
func (a *AuditLogger) LogNodeRolledBack(ctx context.Context, cluster, nodeID string, rollbackErr error) {
	details := map[string]interface{}{}
	if rollbackErr != nil {
		details["rollbackError"] = rollbackErr.Error()
	}
	a.Log(ctx, &AuditEvent{
		EventType: EventNodeRolledBack,
		Message:   "Untagged node removed after failed create",
		Outcome:   outcome(rollbackErr),
		Resource:  pod(cluster, nodeID),
		Details:   details,
	})
}

// LogNodeTagged logs a tag update; only the keys are recorded
func (a *AuditLogger) LogNodeTagged(ctx context.Context, cluster, nodeID string, tags map[string]string) {
	a.Log(ctx, &AuditEvent{
		EventType: EventNodeTagged,
		Message:   "Node tags updated",
		Outcome:   "success",
		Resource:  pod(cluster, nodeID),
		Details: map[string]interface{}{
			"keys": sortedKeys(tags),
		},
	})
}

// LogNodeTagFailed logs a failed tag update
func (a *AuditLogger) LogNodeTagFailed(ctx context.Context, cluster, nodeID string, err error) {
	a.Log(ctx, &AuditEvent{
		EventType: EventNodeTagFailed,
		Message:   "Node tag update failed",
		Outcome:   "failure",
		Resource:  pod(cluster, nodeID),
		Details: map[string]interface{}{
			"reason": errString(err),
		},
	})
}

// LogNodeTerminated logs the outcome of a terminate request
func (a *AuditLogger) LogNodeTerminated(ctx context.Context, cluster, nodeID string, err error) {
	event := &AuditEvent{
		EventType: EventNodeTerminated,
		Message:   "Node terminated",
		Outcome:   outcome(err),
		Resource:  pod(cluster, nodeID),
	}
	if err != nil {
		event.EventType = EventNodeTerminateFailed
		event.Message = "Node termination failed"
		event.Details = map[string]interface{}{"reason": err.Error()}
	}
	a.Log(ctx, event)
}

// LogCircuitBreakerStateChange logs RunPod API circuit breaker transitions
func (a *AuditLogger) LogCircuitBreakerStateChange(ctx context.Context, from, to, reason string) {
	eventType := EventCircuitBreakerClosed
	if to == "open" {
		eventType = EventCircuitBreakerOpened
	}
	a.Log(ctx, &AuditEvent{
		EventType: eventType,
		Message:   fmt.Sprintf("RunPod API circuit breaker %s", to),
		Details: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// LogCredentialResolved logs where a credential came from, never its value
func (a *AuditLogger) LogCredentialResolved(ctx context.Context, name, source string, err error) {
	eventType := EventCredentialResolved
	if err != nil {
		eventType = EventAuthenticationFailed
	}
	details := map[string]interface{}{
		"credential": name,
		"source":     source,
	}
	if err != nil {
		details["reason"] = err.Error()
	}
	a.Log(ctx, &AuditEvent{
		EventType: eventType,
		Message:   "Credential resolution",
		Outcome:   outcome(err),
		Details:   details,
	})
}

// LogAuthenticationFailed logs a rejected API key
func (a *AuditLogger) LogAuthenticationFailed(ctx context.Context, cluster string, err error) {
	a.Log(ctx, &AuditEvent{
		EventType: EventAuthenticationFailed,
		Message:   "RunPod rejected the API key",
		Outcome:   "failure",
		Details: map[string]interface{}{
			"cluster": cluster,
			"reason":  errString(err),
		},
	})
}

// LogProviderStarted logs the start of a long-running provider
func (a *AuditLogger) LogProviderStarted(ctx context.Context, cluster string, details map[string]interface{}) {
	a.Log(ctx, &AuditEvent{
		EventType: EventProviderStarted,
		Message:   "Node provider started",
		Resource:  &ResourceInfo{Kind: "Cluster", Cluster: cluster},
		Details:   details,
	})
}

// LogProviderStopped logs a provider shutdown
func (a *AuditLogger) LogProviderStopped(ctx context.Context, cluster string) {
	a.Log(ctx, &AuditEvent{
		EventType: EventProviderStopped,
		Message:   "Node provider stopped",
		Resource:  &ResourceInfo{Kind: "Cluster", Cluster: cluster},
	})
}

// LogCacheRefreshFailed logs a refresh that left the previous snapshot in place
func (a *AuditLogger) LogCacheRefreshFailed(ctx context.Context, cluster string, err error) {
	a.Log(ctx, &AuditEvent{
		EventType: EventCacheRefreshFailed,
		Message:   "Node cache refresh failed",
		Outcome:   "failure",
		Resource:  &ResourceInfo{Kind: "Cluster", Cluster: cluster},
		Details: map[string]interface{}{
			"reason": errString(err),
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriterSink writes events as JSON lines to an io.Writer
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewWriterSink creates a sink; w is closed by Close when it implements io.Closer
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{w: w}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Write implements EventSink
func (s *WriterSink) Write(event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

// Close implements EventSink
func (s *WriterSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
