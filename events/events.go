// Package events implements the correlation-tagged event bus.
//
// Every top-level operation in domscout publishes structured events
// carrying its correlation ID. The bus is non-blocking for publishers:
// each subscriber owns a bounded queue, and a subscriber that falls
// behind loses its own oldest events (counted) without affecting anyone
// else. Delivery order is preserved per subscriber.
package events

import (
	"time"
)

// Severity classifies an event for log routing.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is the common envelope shared by all emitters. Events are values:
// the bus copies them on publish and subscribers never share state.
type Event struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id,omitempty"`
	ContextID     string         `json:"context_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Severity      Severity       `json:"severity"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Event type names emitted by the core components.
const (
	SessionCreated    = "session.created"
	SessionTerminated = "session.terminated"
	SessionFailed     = "session.failed"
	ContextCreated    = "context.created"
	ContextClosed     = "context.closed"

	ResolutionCompleted  = "selector.resolution.completed"
	ResolutionFailed     = "selector.resolution.failed"
	InteractionCompleted = "selector.interaction.completed"
	InteractionFailed    = "selector.interaction.failed"

	SnapshotCaptured  = "snapshot.captured"
	SnapshotPersisted = "snapshot.persisted"
	SnapshotVerified  = "snapshot.verified"

	ResourceAlert = "resource.alert"

	StorageStore  = "storage.store"
	StorageDelete = "storage.delete"

	DriverCall = "driver.call"

	CleanupPipeRace    = "session.cleanup.pipe_closed_race"
	ConfigReloadFailed = "selector.config.reload_failed"
)
