package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argus/anomaly"
	"argus/core"
	"argus/correlate"
	"argus/ingest"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pipeT0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memorySink collects incidents and findings in memory.
type memorySink struct {
	mu        sync.Mutex
	incidents []*core.CorrelatedIncident
	findings  []*anomaly.Finding
	failWith  error
}

func (m *memorySink) SaveIncident(_ context.Context, incident *core.CorrelatedIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.incidents = append(m.incidents, incident)
	return nil
}

func (m *memorySink) SaveFinding(_ context.Context, finding *anomaly.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.findings = append(m.findings, finding)
	return nil
}

func newTestPipeline(t *testing.T, dedup DedupCache, sink *memorySink) *Pipeline {
	t.Helper()

	engine := correlate.NewEngine(&correlate.Config{Logger: zap.NewNop().Sugar()})
	t.Cleanup(engine.Stop)
	require.NoError(t, engine.RegisterRule(&core.CorrelationRule{
		ID:   "brute-force",
		Name: "Brute Force Detection",
		Match: []core.FieldCondition{
			{Field: core.FieldEventType, Operator: core.OpEquals, Value: "failed_login"},
		},
		GroupBy:    []core.GroupByField{core.GroupBySourceIP},
		Window:     60 * time.Second,
		Threshold:  3,
		Escalation: core.SeverityHigh,
		Enabled:    true,
	}))

	mapping, err := anomaly.NewMetricMapping([]anomaly.MetricRule{
		{EventType: "network_connection", Field: "connection_count"},
	})
	require.NoError(t, err)
	detector := anomaly.NewDetector(&anomaly.Config{
		ZScoreThreshold: 3,
		MinSamples:      5,
		Mapping:         mapping,
		Logger:          zap.NewNop().Sugar(),
	})

	return NewPipeline(Config{
		Normalizer:   ingest.NewNormalizer(zap.NewNop().Sugar()),
		Engine:       engine,
		Detector:     detector,
		IncidentSink: sink,
		FindingSink:  sink,
		Dedup:        dedup,
		Logger:       zap.NewNop().Sugar(),
	})
}

func loginPayload(sourceIP string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event_type": "failed_login",
		"source_ip":  sourceIP,
		"timestamp":  at.Format(time.RFC3339),
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	sink := &memorySink{}
	p := newTestPipeline(t, nil, sink)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := p.ProcessRaw(ctx, loginPayload("10.0.0.5", pipeT0.Add(time.Duration(i)*10*time.Second)))
		require.NoError(t, err)
		assert.Empty(t, result.Incidents)
	}

	result, err := p.ProcessRaw(ctx, loginPayload("10.0.0.5", pipeT0.Add(28*time.Second)))
	require.NoError(t, err)
	require.Len(t, result.Incidents, 1)
	assert.Equal(t, core.SeverityHigh, result.Incidents[0].Severity)
	assert.Len(t, sink.incidents, 1)
}

func TestPipeline_RejectsInvalidPayload(t *testing.T) {
	p := newTestPipeline(t, nil, &memorySink{})

	_, err := p.ProcessRaw(context.Background(), map[string]interface{}{"source_ip": "10.0.0.5"})
	require.ErrorIs(t, err, core.ErrInvalidEvent)
	assert.Equal(t, int64(1), p.Statistics().Rejected)
}

func TestPipeline_BatchIsolatesBadEvents(t *testing.T) {
	sink := &memorySink{}
	p := newTestPipeline(t, nil, sink)

	payloads := []map[string]interface{}{
		loginPayload("10.0.0.5", pipeT0),
		{"bogus": true},
		loginPayload("10.0.0.5", pipeT0.Add(5*time.Second)),
		loginPayload("10.0.0.5", pipeT0.Add(10*time.Second)),
	}

	results, rejected := p.ProcessBatch(context.Background(), payloads)
	assert.Equal(t, 1, rejected)
	require.Len(t, results, 3)
	assert.Len(t, results[2].Incidents, 1, "incident still fires despite the bad payload in between")
}

func TestPipeline_AnomalyFindingsFlow(t *testing.T) {
	sink := &memorySink{}
	p := newTestPipeline(t, nil, sink)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := p.ProcessRaw(ctx, map[string]interface{}{
			"event_type":       "network_connection",
			"source_ip":        "10.0.0.5",
			"timestamp":        pipeT0.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			"connection_count": 10 + i%3,
		})
		require.NoError(t, err)
	}

	result, err := p.ProcessRaw(ctx, map[string]interface{}{
		"event_type":       "network_connection",
		"source_ip":        "10.0.0.5",
		"timestamp":        pipeT0.Add(time.Minute).Format(time.RFC3339),
		"connection_count": 900,
	})
	require.NoError(t, err)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "10.0.0.5:connection_count", result.Findings[0].Key)
	assert.Len(t, sink.findings, 1)
}

func TestPipeline_DedupSuppressesRepeatIncidents(t *testing.T) {
	mr := miniredis.RunT(t)
	dedup := NewRedisDedup(mr.Addr(), "", 0, zap.NewNop().Sugar())
	t.Cleanup(func() { dedup.Close() })

	sink := &memorySink{}
	p := newTestPipeline(t, dedup, sink)
	ctx := context.Background()

	// First burst: incident emitted and fingerprint recorded.
	for i := 0; i < 3; i++ {
		_, err := p.ProcessRaw(ctx, loginPayload("10.0.0.5", pipeT0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	require.Len(t, sink.incidents, 1)

	// Second burst inside the dedup TTL: triggered again, suppressed.
	var suppressed int
	for i := 3; i < 6; i++ {
		result, err := p.ProcessRaw(ctx, loginPayload("10.0.0.5", pipeT0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		suppressed += result.Suppressed
	}
	assert.Equal(t, 1, suppressed)
	assert.Len(t, sink.incidents, 1, "suppressed incident must not be persisted")
	assert.Equal(t, int64(1), p.Statistics().Suppressed)
}

func TestPipeline_DedupFailureDegradesToEmit(t *testing.T) {
	mr := miniredis.RunT(t)
	dedup := NewRedisDedup(mr.Addr(), "", 0, zap.NewNop().Sugar())
	t.Cleanup(func() { dedup.Close() })
	mr.Close() // cache is down from the start

	sink := &memorySink{}
	p := newTestPipeline(t, dedup, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.ProcessRaw(ctx, loginPayload("10.0.0.5", pipeT0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	assert.Len(t, sink.incidents, 1, "a broken cache must never hide incidents")
}

func TestPipeline_SinkFailureIsIsolated(t *testing.T) {
	sink := &memorySink{failWith: errors.New("disk full")}
	p := newTestPipeline(t, nil, sink)
	ctx := context.Background()

	var incidents int
	for i := 0; i < 3; i++ {
		result, err := p.ProcessRaw(ctx, loginPayload("10.0.0.5", pipeT0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err, "sink failure must not fail processing")
		incidents += len(result.Incidents)
	}
	assert.Equal(t, 1, incidents)
	assert.Equal(t, int64(1), p.Statistics().SinkErrors)
}

func TestRedisDedup_Suppress(t *testing.T) {
	mr := miniredis.RunT(t)
	dedup := NewRedisDedup(mr.Addr(), "", 0, zap.NewNop().Sugar())
	t.Cleanup(func() { dedup.Close() })
	ctx := context.Background()

	seen, err := dedup.Suppress(ctx, "rule|key", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = dedup.Suppress(ctx, "rule|key", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	// After the TTL the fingerprint is forgotten.
	mr.FastForward(2 * time.Minute)
	seen, err = dedup.Suppress(ctx, "rule|key", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}
