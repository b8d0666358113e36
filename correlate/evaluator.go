package correlate

import (
	"fmt"
	"strings"

	"argus/core"
)

// fieldValue extracts the value of a condition field from an event.
func fieldValue(event *core.SecurityEvent, field core.ConditionField) (string, error) {
	switch field {
	case core.FieldEventType:
		return event.EventType, nil
	case core.FieldSourceIP:
		return event.SourceIP, nil
	case core.FieldSeverity:
		return string(event.Severity), nil
	default:
		return "", fmt.Errorf("unknown condition field %q", field)
	}
}

// conditionMatches interprets a single declarative condition against an
// event. Conditions are data supplied by external configuration, so every
// malformed shape surfaces as an error rather than a panic; the engine
// records it and keeps the rule isolated.
func conditionMatches(cond core.FieldCondition, event *core.SecurityEvent) (bool, error) {
	value, err := fieldValue(event, cond.Field)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case core.OpEquals:
		return value == cond.Value, nil
	case core.OpNotEquals:
		return value != cond.Value, nil
	case core.OpIn:
		for _, v := range cond.Values {
			if value == v {
				return true, nil
			}
		}
		return false, nil
	case core.OpAtLeast:
		if cond.Field != core.FieldSeverity {
			return false, fmt.Errorf("operator %q is only valid for severity", cond.Operator)
		}
		want, ok := core.ParseSeverity(cond.Value)
		if !ok {
			return false, fmt.Errorf("unknown severity %q in condition", cond.Value)
		}
		return event.Severity.Rank() >= want.Rank(), nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}
}

// ruleMatches reports whether every condition of the rule accepts the
// event (conditions are conjunctive).
func ruleMatches(rule *core.CorrelationRule, event *core.SecurityEvent) (bool, error) {
	for _, cond := range rule.Match {
		ok, err := conditionMatches(cond, event)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// correlationKey builds the grouping key for a matching event. Rules with
// no group_by share a single global buffer.
func correlationKey(rule *core.CorrelationRule, event *core.SecurityEvent) string {
	if len(rule.GroupBy) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(rule.GroupBy))
	for _, field := range rule.GroupBy {
		switch field {
		case core.GroupBySourceIP:
			parts = append(parts, event.SourceIP)
		case core.GroupByDestinationIP:
			parts = append(parts, event.DestinationIP)
		case core.GroupByEventType:
			parts = append(parts, event.EventType)
		default:
			// Validation rejects unknown group_by fields at
			// registration; an empty part keeps keys stable if one
			// slips through.
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, "|")
}
