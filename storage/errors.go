package storage

import "errors"

var (
	// ErrRuleNotFound is returned when a correlation rule is not found.
	ErrRuleNotFound = errors.New("correlation rule not found")

	// ErrIncidentNotFound is returned when an incident is not found.
	ErrIncidentNotFound = errors.New("incident not found")
)
