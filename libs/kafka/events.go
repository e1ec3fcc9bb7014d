package kafka

import (
	"time"

	"github.com/google/uuid"
)

// AlertEvent is the envelope published to the security alerts topic for
// high and critical severity security events.
type AlertEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Source     string         `json:"source"`
	OccurredAt time.Time      `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}

func NewAlertEvent(eventType, severity, source string, occurredAt time.Time, details map[string]any) AlertEvent {
	return AlertEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Severity:   severity,
		Source:     source,
		OccurredAt: occurredAt.UTC(),
		Details:    details,
	}
}
