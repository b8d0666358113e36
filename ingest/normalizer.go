// Package ingest converts heterogeneous raw event payloads into the
// canonical core.SecurityEvent consumed by both engines.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"argus/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reserved payload keys lifted into SecurityEvent struct fields. All
// remaining keys are preserved verbatim in RawData.
const (
	keyEventType     = "event_type"
	keySourceIP      = "source_ip"
	keyDestinationIP = "destination_ip"
	keyTimestamp     = "timestamp"
	keySeverity      = "severity"
)

// Normalizer converts raw key-value payloads (network alerts, auth
// failures, IDS hits) into canonical SecurityEvents. Only a missing
// event_type is fatal; every other field degrades to a documented
// default so the engines stay available on partial telemetry.
type Normalizer struct {
	logger *zap.SugaredLogger
	// now is injectable for tests.
	now func() time.Time
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger *zap.SugaredLogger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Normalizer{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Normalize builds a SecurityEvent from a raw payload.
//
// Defaults: severity falls back to medium when absent or unrecognized;
// timestamp falls back to the current time when absent or unparseable.
// Returns core.ErrInvalidEvent (wrapped) when event_type is missing or
// empty; no other input shape fails.
func (n *Normalizer) Normalize(payload map[string]interface{}) (*core.SecurityEvent, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is nil", core.ErrInvalidEvent)
	}

	eventType, _ := payload[keyEventType].(string)
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is missing or empty", core.ErrInvalidEvent)
	}

	event := &core.SecurityEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Severity:  n.parseSeverity(payload[keySeverity]),
		Timestamp: n.parseTimestamp(payload[keyTimestamp]),
		RawData:   make(map[string]interface{}),
	}

	if ip, ok := payload[keySourceIP].(string); ok {
		event.SourceIP = strings.TrimSpace(ip)
	}
	if ip, ok := payload[keyDestinationIP].(string); ok {
		event.DestinationIP = strings.TrimSpace(ip)
	}

	// Preserve type-specific fields (attempt_count, connection_count,
	// ...) for the anomaly detector's metric extraction.
	for k, v := range payload {
		switch k {
		case keyEventType, keySourceIP, keyDestinationIP, keyTimestamp, keySeverity:
		default:
			event.RawData[k] = v
		}
	}

	return event, nil
}

// parseSeverity applies the medium default for absent or unrecognized
// severities.
func (n *Normalizer) parseSeverity(raw interface{}) core.Severity {
	s, ok := raw.(string)
	if !ok {
		return core.SeverityMedium
	}
	sev, ok := core.ParseSeverity(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		n.logger.Debugw("unrecognized severity, defaulting to medium", "severity", s)
		return core.SeverityMedium
	}
	return sev
}

// parseTimestamp accepts time.Time values, RFC 3339 strings and unix
// second numbers, defaulting to the current time otherwise. The event
// timestamp is when the event occurred, so upstream senders should
// always provide it; the default only keeps partial telemetry flowing.
func (n *Normalizer) parseTimestamp(raw interface{}) time.Time {
	switch ts := raw.(type) {
	case time.Time:
		if !ts.IsZero() {
			return ts.UTC()
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed.UTC()
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return parsed.UTC()
		}
		n.logger.Debugw("unparseable timestamp, defaulting to now", "timestamp", ts)
	case float64:
		if ts > 0 {
			sec := int64(ts)
			nsec := int64((ts - float64(sec)) * float64(time.Second))
			return time.Unix(sec, nsec).UTC()
		}
	case int64:
		if ts > 0 {
			return time.Unix(ts, 0).UTC()
		}
	case int:
		if ts > 0 {
			return time.Unix(int64(ts), 0).UTC()
		}
	}
	return n.now()
}
