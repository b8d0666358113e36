package anomaly

import (
	"math"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var obsTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func connMapping(t *testing.T) *MetricMapping {
	t.Helper()
	m, err := NewMetricMapping([]MetricRule{
		{EventType: "network_connection", Field: "connection_count"},
	})
	require.NoError(t, err)
	return m
}

func newTestDetector(t *testing.T, cfg *Config) *Detector {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Mapping == nil {
		cfg.Mapping = connMapping(t)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return NewDetector(cfg)
}

func connEvent(sourceIP string, count float64, at time.Time) *core.SecurityEvent {
	ev := core.NewSecurityEvent("network_connection")
	ev.SourceIP = sourceIP
	ev.Timestamp = at
	ev.RawData["connection_count"] = count
	return ev
}

// trainBaseline feeds n observations of the given values cycle for one key.
func trainBaseline(d *Detector, key string, values []float64, n int) {
	for i := 0; i < n; i++ {
		d.Observe(key, values[i%len(values)], obsTime.Add(time.Duration(i)*time.Second))
	}
}

func TestDetector_ColdStartGuard(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 10})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10, 12, 11, 9}, 9) // one short of MinSamples

	// However extreme the value, a cold baseline never flags.
	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 1e9, obsTime),
	})
	assert.Empty(t, findings)

	// The extreme observation still updated the baseline.
	snap, err := d.Baseline(key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.SampleCount)
}

func TestDetector_FlagsOutlierAfterWarmup(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10, 12, 11, 9, 10, 11}, 30)

	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 500, obsTime),
	})
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, key, f.Key)
	assert.Equal(t, "10.0.0.5", f.Entity)
	assert.Equal(t, "connection_count", f.Metric)
	assert.Equal(t, 500.0, f.ObservedValue)
	assert.InDelta(t, 10.5, f.BaselineMean, 1.0)
	assert.GreaterOrEqual(t, math.Abs(f.Score), 3.0)
	assert.Equal(t, core.SeverityCritical, f.Severity)
	assert.Equal(t, obsTime, f.DetectedAt)
}

func TestDetector_NormalValueDoesNotFlag(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10, 12, 11, 9, 10, 11}, 30)

	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 11, obsTime),
	})
	assert.Empty(t, findings)
}

func TestDetector_ZeroVarianceGuard(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10}, 20) // constant stream: stddev == 0

	// Equal to the mean: no finding, no division error.
	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 10, obsTime),
	})
	assert.Empty(t, findings)

	// Different from the mean: always flags with maximal deviation.
	findings = d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 10.5, obsTime),
	})
	require.Len(t, findings, 1)
	assert.Equal(t, maxDeviationScore, findings[0].Score)
	assert.Equal(t, 0.0, findings[0].BaselineStdDev)
}

func TestDetector_AnomaliesUpdateBaselineByDefault(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10, 11, 9, 10}, 20)

	before, err := d.Baseline(key)
	require.NoError(t, err)

	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 400, obsTime),
	})
	require.Len(t, findings, 1)

	after, err := d.Baseline(key)
	require.NoError(t, err)
	assert.Equal(t, before.SampleCount+1, after.SampleCount)
	assert.Greater(t, after.Mean, before.Mean)
}

func TestDetector_ExcludeAnomaliesFromBaseline(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5, ExcludeAnomalies: true})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10, 11, 9, 10}, 20)

	before, err := d.Baseline(key)
	require.NoError(t, err)

	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.5", 400, obsTime),
	})
	require.Len(t, findings, 1)

	after, err := d.Baseline(key)
	require.NoError(t, err)
	assert.Equal(t, before.SampleCount, after.SampleCount, "flagged point must not enter the baseline")
	assert.Equal(t, before.Mean, after.Mean)
}

func TestDetector_WelfordMatchesDirectComputation(t *testing.T) {
	d := newTestDetector(t, nil)

	values := []float64{4, 7, 13, 16, 10, 8, 9, 12, 6, 15}
	key := BaselineKey("10.0.0.5", "connection_count")
	for i, v := range values {
		d.Observe(key, v, obsTime.Add(time.Duration(i)*time.Second))
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var m2 float64
	for _, v := range values {
		m2 += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(m2 / float64(len(values)-1))

	snap, err := d.Baseline(key)
	require.NoError(t, err)
	assert.InDelta(t, mean, snap.Mean, 1e-9)
	assert.InDelta(t, stddev, snap.StdDev, 1e-9)
	assert.Equal(t, int64(len(values)), snap.SampleCount)
}

func TestDetector_WelfordStableWithLargeOffset(t *testing.T) {
	d := newTestDetector(t, nil)

	// Values with a huge common offset break naive sum-of-squares;
	// Welford keeps the variance exact.
	key := BaselineKey("10.0.0.5", "connection_count")
	base := 1e9
	for i := 0; i < 1000; i++ {
		v := base + float64(i%3) // values base, base+1, base+2
		d.Observe(key, v, obsTime.Add(time.Duration(i)*time.Second))
	}

	snap, err := d.Baseline(key)
	require.NoError(t, err)
	assert.InDelta(t, base+1, snap.Mean, 1e-3)
	// Population of {0,1,2} repeated: sample stddev ~= 0.8168.
	assert.InDelta(t, 0.8168, snap.StdDev, 1e-3)
}

func TestDetector_Baseline_InsufficientData(t *testing.T) {
	d := newTestDetector(t, nil)

	_, err := d.Baseline(BaselineKey("10.0.0.5", "connection_count"))
	require.ErrorIs(t, err, core.ErrInsufficientData)
}

func TestDetector_SeparateKeysPerEntity(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5})

	trainBaseline(d, BaselineKey("10.0.0.5", "connection_count"), []float64{10, 11, 9}, 20)

	// Another entity with no history: cold start, no finding.
	findings := d.DetectAnomalies([]*core.SecurityEvent{
		connEvent("10.0.0.99", 500, obsTime),
	})
	assert.Empty(t, findings)
}

func TestDetector_SkipsUnmappedEvents(t *testing.T) {
	d := newTestDetector(t, nil)

	ev := core.NewSecurityEvent("failed_login")
	ev.SourceIP = "10.0.0.5"
	ev.RawData["attempt_count"] = 3.0

	assert.Empty(t, d.DetectAnomalies([]*core.SecurityEvent{ev}))
	assert.Equal(t, int64(0), d.Statistics().Observations)
}

func TestDetector_SkipsNonNumericAndMissingFields(t *testing.T) {
	d := newTestDetector(t, nil)

	bad := core.NewSecurityEvent("network_connection")
	bad.SourceIP = "10.0.0.5"
	bad.RawData["connection_count"] = "lots"

	missing := core.NewSecurityEvent("network_connection")
	missing.SourceIP = "10.0.0.5"

	assert.Empty(t, d.DetectAnomalies([]*core.SecurityEvent{bad, missing, nil}))
}

func TestDetector_FindingSeverityGrading(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3})

	assert.Equal(t, core.SeverityMedium, d.findingSeverity(3.1))
	assert.Equal(t, core.SeverityHigh, d.findingSeverity(4.6))
	assert.Equal(t, core.SeverityCritical, d.findingSeverity(-6.5))
}

func TestDetector_Reset(t *testing.T) {
	d := newTestDetector(t, nil)

	key := BaselineKey("10.0.0.5", "connection_count")
	d.Observe(key, 10, obsTime)
	require.Equal(t, 1, d.Statistics().BaselinesTracked)

	d.Reset()
	assert.Equal(t, 0, d.Statistics().BaselinesTracked)
	_, err := d.Baseline(key)
	assert.ErrorIs(t, err, core.ErrInsufficientData)
}

func TestDetector_MaxBaselinesEviction(t *testing.T) {
	d := newTestDetector(t, &Config{MaxBaselines: 2})

	d.Observe("a:m", 1, obsTime)
	d.Observe("b:m", 1, obsTime)
	d.Observe("c:m", 1, obsTime)

	assert.Equal(t, 2, d.Statistics().BaselinesTracked)
	_, err := d.Baseline("a:m")
	assert.ErrorIs(t, err, core.ErrInsufficientData, "least recently used baseline is evicted")
}

func TestDetector_Statistics(t *testing.T) {
	d := newTestDetector(t, &Config{ZScoreThreshold: 3, MinSamples: 5})

	key := BaselineKey("10.0.0.5", "connection_count")
	trainBaseline(d, key, []float64{10, 11, 9}, 20)
	d.DetectAnomalies([]*core.SecurityEvent{connEvent("10.0.0.5", 900, obsTime)})

	stats := d.Statistics()
	assert.Equal(t, int64(21), stats.Observations)
	assert.Equal(t, int64(1), stats.AnomaliesFlagged)
	assert.Equal(t, 1, stats.BaselinesTracked)
}
