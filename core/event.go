package core

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the ordered severity scale for events and incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRanks maps each severity to its position on the ordered scale.
var severityRanks = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity. Unknown severities
// rank below low so that comparisons against them never match.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the defined severity levels.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// ParseSeverity parses a severity string, reporting whether it is a
// recognized level.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	if sev.Valid() {
		return sev, true
	}
	return "", false
}

// SecurityEvent is the canonical unit of observation. It is created by the
// ingest normalizer, is immutable thereafter, and is consumed by both the
// correlation engine and the anomaly detector. The core never persists
// events itself; persistence is the caller's concern.
type SecurityEvent struct {
	EventID       string                 `json:"event_id" example:"event-123"`
	EventType     string                 `json:"event_type" example:"failed_login"`
	SourceIP      string                 `json:"source_ip,omitempty" example:"10.0.0.5"`
	DestinationIP string                 `json:"destination_ip,omitempty" example:"192.168.1.10"`
	// Timestamp is when the event occurred, not when it was received.
	// All window arithmetic in the correlation engine uses this field so
	// that replayed or batched streams produce deterministic results.
	Timestamp time.Time              `json:"timestamp" example:"2023-10-31T12:00:00Z"`
	Severity  Severity               `json:"severity" example:"medium"`
	RawData   map[string]interface{} `json:"raw_data,omitempty"`
}

// NewSecurityEvent creates an event with a generated ID and the current
// UTC time. Callers normally go through ingest.Normalizer instead.
func NewSecurityEvent(eventType string) *SecurityEvent {
	return &SecurityEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Severity:  SeverityMedium,
		RawData:   make(map[string]interface{}),
	}
}
