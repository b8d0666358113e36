package core

import (
	"fmt"
	"strings"
	"time"
)

// ConditionField names an event field a rule condition can inspect.
type ConditionField string

const (
	FieldEventType ConditionField = "event_type"
	FieldSourceIP  ConditionField = "source_ip"
	FieldSeverity  ConditionField = "severity"
)

// ConditionOperator is the comparison applied by a rule condition.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "equals"
	OpNotEquals ConditionOperator = "not_equals"
	OpIn        ConditionOperator = "in"
	// OpAtLeast compares severities on the ordered scale. It is only
	// valid for the severity field.
	OpAtLeast ConditionOperator = "at_least"
)

// FieldCondition is one declarative predicate of a correlation rule.
// Rules are data, not code: conditions are interpreted by the correlation
// engine, which keeps rule isolation tractable and rules safe to accept
// from external configuration.
type FieldCondition struct {
	Field    ConditionField    `json:"field" yaml:"field" example:"event_type"`
	Operator ConditionOperator `json:"operator" yaml:"operator" example:"equals"`
	Value    string            `json:"value" yaml:"value" example:"failed_login"`
	// Values is used with the "in" operator.
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// GroupByField names an event field rules can group matching events by.
type GroupByField string

const (
	GroupBySourceIP      GroupByField = "source_ip"
	GroupByDestinationIP GroupByField = "destination_ip"
	GroupByEventType     GroupByField = "event_type"
)

// CorrelationRule links repeated related events into a single incident:
// events accepted by Match are grouped by GroupBy, and when Threshold
// events for one group fall inside the sliding Window an incident with
// the Escalation severity is emitted.
//
// Rules are supplied by an external policy source and are never mutated
// by the engine.
type CorrelationRule struct {
	ID          string           `json:"id" example:"brute-force-ssh"`
	Name        string           `json:"name" example:"SSH Brute Force"`
	Description string           `json:"description,omitempty"`
	Match       []FieldCondition `json:"match"`
	GroupBy     []GroupByField   `json:"group_by"`
	Window      time.Duration    `json:"window" swaggertype:"string" example:"60s"`
	Threshold   int              `json:"threshold" example:"3"`
	Escalation  Severity         `json:"escalation" example:"high"`
	Enabled     bool             `json:"enabled" example:"true"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at,omitempty"`
}

var validGroupBy = map[GroupByField]bool{
	GroupBySourceIP:      true,
	GroupByDestinationIP: true,
	GroupByEventType:     true,
}

var validConditionFields = map[ConditionField]bool{
	FieldEventType: true,
	FieldSourceIP:  true,
	FieldSeverity:  true,
}

// Validate checks the structural invariants of the rule. A rule that
// fails validation must be rejected at registration time.
func (r *CorrelationRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidRule)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: rule %q: window must be positive, got %s", ErrInvalidRule, r.ID, r.Window)
	}
	if r.Threshold < 1 {
		return fmt.Errorf("%w: rule %q: threshold must be >= 1, got %d", ErrInvalidRule, r.ID, r.Threshold)
	}
	if len(r.Match) == 0 {
		return fmt.Errorf("%w: rule %q: at least one match condition is required", ErrInvalidRule, r.ID)
	}
	for i, cond := range r.Match {
		if !validConditionFields[cond.Field] {
			return fmt.Errorf("%w: rule %q: condition %d: unknown field %q", ErrInvalidRule, r.ID, i, cond.Field)
		}
		switch cond.Operator {
		case OpEquals, OpNotEquals:
			if cond.Value == "" {
				return fmt.Errorf("%w: rule %q: condition %d: operator %q requires a value", ErrInvalidRule, r.ID, i, cond.Operator)
			}
		case OpIn:
			if len(cond.Values) == 0 {
				return fmt.Errorf("%w: rule %q: condition %d: operator %q requires values", ErrInvalidRule, r.ID, i, cond.Operator)
			}
		case OpAtLeast:
			if cond.Field != FieldSeverity {
				return fmt.Errorf("%w: rule %q: condition %d: operator %q is only valid for severity", ErrInvalidRule, r.ID, i, cond.Operator)
			}
			if _, ok := ParseSeverity(cond.Value); !ok {
				return fmt.Errorf("%w: rule %q: condition %d: unknown severity %q", ErrInvalidRule, r.ID, i, cond.Value)
			}
		default:
			return fmt.Errorf("%w: rule %q: condition %d: unknown operator %q", ErrInvalidRule, r.ID, i, cond.Operator)
		}
	}
	for i, g := range r.GroupBy {
		if !validGroupBy[g] {
			return fmt.Errorf("%w: rule %q: group_by %d: unknown field %q", ErrInvalidRule, r.ID, i, g)
		}
	}
	if !r.Escalation.Valid() {
		return fmt.Errorf("%w: rule %q: unknown escalation severity %q", ErrInvalidRule, r.ID, r.Escalation)
	}
	return nil
}
