package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Rank_Ordering(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
}

func TestSeverity_Rank_Unknown(t *testing.T) {
	assert.Equal(t, -1, Severity("urgent").Rank())
	assert.False(t, Severity("urgent").Valid())
}

func TestParseSeverity(t *testing.T) {
	sev, ok := ParseSeverity("critical")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)

	_, ok = ParseSeverity("informational")
	assert.False(t, ok)
}

func TestNewSecurityEvent_Defaults(t *testing.T) {
	ev := NewSecurityEvent("ids_alert")
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "ids_alert", ev.EventType)
	assert.Equal(t, SeverityMedium, ev.Severity)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotNil(t, ev.RawData)
}
