package audit

// EventType represents the type of audit event
type EventType string

const (
	// Node lifecycle events
	EventNodeCreated         EventType = "node.created"
	EventNodeCreateFailed    EventType = "node.create_failed"
	EventNodeRolledBack      EventType = "node.rolled_back"
	EventNodeTagged          EventType = "node.tagged"
	EventNodeTagFailed       EventType = "node.tag_failed"
	EventNodeTerminated      EventType = "node.terminated"
	EventNodeTerminateFailed EventType = "node.terminate_failed"

	// Security events
	EventCredentialResolved   EventType = "security.credential_resolved"
	EventAuthenticationFailed EventType = "security.authentication_failed"
	EventCircuitBreakerOpened EventType = "security.circuit_breaker_opened"
	EventCircuitBreakerClosed EventType = "security.circuit_breaker_closed"

	// System events
	EventProviderStarted    EventType = "system.provider_started"
	EventProviderStopped    EventType = "system.provider_stopped"
	EventCacheRefreshFailed EventType = "system.cache_refresh_failed"
)

// EventSeverity represents the severity level of an audit event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// EventCategory groups related event types
type EventCategory string

const (
	CategoryNode     EventCategory = "node"
	CategorySecurity EventCategory = "security"
	CategorySystem   EventCategory = "system"
)

// GetCategory returns the category for an event type
func GetCategory(eventType EventType) EventCategory {
	switch eventType {
	case EventNodeCreated, EventNodeCreateFailed, EventNodeRolledBack,
		EventNodeTagged, EventNodeTagFailed,
		EventNodeTerminated, EventNodeTerminateFailed:
		return CategoryNode
	case EventCredentialResolved, EventAuthenticationFailed,
		EventCircuitBreakerOpened, EventCircuitBreakerClosed:
		return CategorySecurity
	default:
		return CategorySystem
	}
}

// GetSeverity returns the default severity for an event type
func GetSeverity(eventType EventType) EventSeverity {
	switch eventType {
	case EventNodeCreateFailed, EventNodeTerminateFailed, EventAuthenticationFailed:
		return SeverityCritical

	case EventNodeTagFailed, EventNodeRolledBack, EventCacheRefreshFailed:
		return SeverityError

	case EventCircuitBreakerOpened:
		return SeverityWarning

	default:
		return SeverityInfo
	}
}
