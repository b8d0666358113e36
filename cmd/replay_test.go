package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replayRules = `
rules:
  - id: brute-force
    name: Brute Force Detection
    match:
      - field: event_type
        operator: equals
        value: failed_login
    group_by: [source_ip]
    window: 60s
    threshold: 3
    escalation: high
`

func writeReplayFixtures(t *testing.T) (eventsPath, rulesPath string) {
	t.Helper()
	dir := t.TempDir()

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var events []map[string]interface{}
	for i := 0; i < 4; i++ {
		events = append(events, map[string]interface{}{
			"event_type": "failed_login",
			"source_ip":  "10.0.0.5",
			"timestamp":  t0.Add(time.Duration(i) * 10 * time.Second).Format(time.RFC3339),
		})
	}
	events = append(events, map[string]interface{}{"bogus": true})

	data, err := json.Marshal(events)
	require.NoError(t, err)
	eventsPath = filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(eventsPath, data, 0o600))

	rulesPath = filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(replayRules), 0o600))
	return eventsPath, rulesPath
}

func runReplayCmd(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"replay"}, args...))
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestReplay_EmitsIncidents(t *testing.T) {
	eventsPath, rulesPath := writeReplayFixtures(t)

	out := runReplayCmd(t, "--file", eventsPath, "--rules", rulesPath, "--json")

	var summary replaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 5, summary.EventsRead)
	assert.Equal(t, 1, summary.Rejected)
	require.Len(t, summary.Incidents, 1)
	assert.Equal(t, "brute-force", summary.Incidents[0].RuleID)
	assert.Equal(t, "10.0.0.5", summary.Incidents[0].CorrelationKey)
	assert.Len(t, summary.Incidents[0].TriggeringEvents, 3)
}

func TestReplay_Deterministic(t *testing.T) {
	eventsPath, rulesPath := writeReplayFixtures(t)

	type fingerprint struct {
		RuleID string
		Key    string
		At     time.Time
		Events int
	}
	run := func() []fingerprint {
		out := runReplayCmd(t, "--file", eventsPath, "--rules", rulesPath, "--json")
		var summary replaySummary
		require.NoError(t, json.Unmarshal([]byte(out), &summary))
		var fps []fingerprint
		for _, inc := range summary.Incidents {
			fps = append(fps, fingerprint{inc.RuleID, inc.CorrelationKey, inc.DetectedAt, len(inc.TriggeringEvents)})
		}
		return fps
	}

	assert.Equal(t, run(), run(), "replaying the same capture must give the same incidents")
}

func TestReplay_MissingFileFails(t *testing.T) {
	_, rulesPath := writeReplayFixtures(t)

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "--file", "/nonexistent.json", "--rules", rulesPath})
	assert.Error(t, cmd.Execute())
}

func TestReplay_RejectsOversizedCapture(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(eventsPath, bytes.Repeat([]byte("x"), maxReplayFileSize+1), 0o600))

	_, err := readCapture(eventsPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum size")
}

func TestReplay_HumanOutput(t *testing.T) {
	eventsPath, rulesPath := writeReplayFixtures(t)

	out := runReplayCmd(t, "--file", eventsPath, "--rules", rulesPath)
	assert.Contains(t, out, "events read: 5")
	assert.Contains(t, out, "brute-force")
	assert.Contains(t, out, fmt.Sprintf("events=%d", 3))
}
