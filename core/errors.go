package core

import "errors"

// Sentinel errors for the processing pipeline. Callers match them with
// errors.Is after unwrapping.
var (
	// ErrInvalidEvent is returned by the normalizer when a raw payload is
	// missing its required event_type field. Invalid events are rejected
	// at the ingest boundary and never reach the engines.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidRule is returned when a correlation rule fails structural
	// validation at registration time. Registration fails loudly so a
	// malformed rule can never affect runtime processing.
	ErrInvalidRule = errors.New("invalid correlation rule")

	// ErrInsufficientData is returned when a baseline is queried directly
	// before any observations exist for its key. Normal detection flow
	// never returns it; cold-start keys simply do not flag.
	ErrInsufficientData = errors.New("insufficient baseline data")
)
