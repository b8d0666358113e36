package core

import (
	"time"

	"github.com/google/uuid"
)

// CorrelatedIncident is the correlation engine's output: a group of
// events that satisfied a rule's threshold inside its window. The engine
// emits exactly one incident per trigger; the buffer that produced it is
// consumed, so a sustained burst does not re-emit for the same events.
type CorrelatedIncident struct {
	IncidentID     string `json:"incident_id" example:"inc-123"`
	RuleID         string `json:"rule_id" example:"brute-force-ssh"`
	RuleName       string `json:"rule_name" example:"SSH Brute Force"`
	CorrelationKey string `json:"correlation_key" example:"10.0.0.5"`
	// TriggeringEvents are ordered by detection: the order the engine
	// appended them to the window buffer.
	TriggeringEvents []*SecurityEvent `json:"triggering_events"`
	Severity         Severity         `json:"severity" example:"high"`
	DetectedAt       time.Time        `json:"detected_at"`
}

// NewCorrelatedIncident builds an incident for a satisfied rule. The
// events slice is copied so later buffer mutation cannot reach into an
// emitted incident.
func NewCorrelatedIncident(rule *CorrelationRule, key string, events []*SecurityEvent, detectedAt time.Time) *CorrelatedIncident {
	triggering := make([]*SecurityEvent, len(events))
	copy(triggering, events)
	return &CorrelatedIncident{
		IncidentID:       uuid.New().String(),
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		CorrelationKey:   key,
		TriggeringEvents: triggering,
		Severity:         rule.Escalation,
		DetectedAt:       detectedAt,
	}
}
