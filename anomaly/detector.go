// Package anomaly implements statistical anomaly detection over security
// events. A detector maintains rolling per-(entity, metric) baselines
// learned online with Welford's algorithm and flags observations whose
// z-score exceeds a configured threshold.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

func newFindingID() string {
	return uuid.New().String()
}

const (
	// DefaultZScoreThreshold is the standard three-sigma rule.
	DefaultZScoreThreshold = 3.0
	// DefaultMinSamples is the cold-start guard: keys with fewer
	// samples never flag, however extreme the value.
	DefaultMinSamples = 30
	// DefaultMaxBaselines bounds the baseline LRU.
	DefaultMaxBaselines = 10000
	// maxDeviationScore stands in for the z-score when a baseline has
	// zero variance and the observation differs from the mean.
	maxDeviationScore = 10.0
)

// Finding is the detector's output: an observation that deviated from
// its learned baseline beyond the configured threshold.
type Finding struct {
	FindingID      string        `json:"finding_id"`
	Key            string        `json:"key" example:"10.0.0.5:connection_count"`
	Entity         string        `json:"entity" example:"10.0.0.5"`
	Metric         string        `json:"metric" example:"connection_count"`
	ObservedValue  float64       `json:"observed_value"`
	BaselineMean   float64       `json:"baseline_mean"`
	BaselineStdDev float64       `json:"baseline_stddev"`
	Score          float64       `json:"deviation_score"`
	Severity       core.Severity `json:"severity"`
	DetectedAt     time.Time     `json:"detected_at"`
}

// Statistics are monotonic observability counters for the detector.
type Statistics struct {
	Observations     int64     `json:"observations"`
	AnomaliesFlagged int64     `json:"anomalies_flagged"`
	BaselinesTracked int       `json:"baselines_tracked"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Config holds construction parameters for the detector.
type Config struct {
	// ZScoreThreshold is the deviation score at which an observation
	// is flagged (default 3.0).
	ZScoreThreshold float64
	// MinSamples is the cold-start guard (default 30).
	MinSamples int
	// MaxBaselines caps the number of tracked keys; the least
	// recently used baseline is evicted beyond it (default 10000).
	MaxBaselines int
	// ExcludeAnomalies, when set, keeps flagged observations out of
	// the rolling baseline so a sustained attack cannot drag the
	// baseline toward itself. The default (false) folds every
	// observation in, so a transient spike cannot permanently skew
	// detection either way.
	ExcludeAnomalies bool
	// Mapping is the validated raw_data-to-metric extraction table.
	Mapping *MetricMapping
	Logger  *zap.SugaredLogger
}

// Detector flags statistical deviations from learned traffic baselines.
// It is safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	baselines *lru.Cache[string, *baseline]

	threshold        float64
	minSamples       int
	excludeAnomalies bool
	mapping          *MetricMapping

	stats  Statistics
	logger *zap.SugaredLogger
}

// NewDetector creates an anomaly detector. A nil config gets defaults,
// but detection requires a metric mapping; without one the detector only
// serves explicit Observe calls.
func NewDetector(cfg *Config) *Detector {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = DefaultZScoreThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.MaxBaselines <= 0 {
		cfg.MaxBaselines = DefaultMaxBaselines
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	// Size is validated above, so construction cannot fail.
	cache, _ := lru.New[string, *baseline](cfg.MaxBaselines)

	return &Detector{
		baselines:        cache,
		threshold:        cfg.ZScoreThreshold,
		minSamples:       cfg.MinSamples,
		excludeAnomalies: cfg.ExcludeAnomalies,
		mapping:          cfg.Mapping,
		logger:           cfg.Logger,
	}
}

// Observe folds one observation into the rolling baseline for key
// without performing detection. Used for baseline pre-training.
func (d *Detector) Observe(key string, value float64, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observeLocked(key, value, ts)
}

func (d *Detector) observeLocked(key string, value float64, ts time.Time) *baseline {
	b, ok := d.baselines.Get(key)
	if !ok {
		b = &baseline{}
		d.baselines.Add(key, b)
	}
	b.update(value, ts)
	d.stats.Observations++
	d.stats.LastUpdated = ts
	return b
}

// DetectAnomalies scores each event's configured metrics against their
// baselines and returns the findings. Every observation also updates its
// baseline (unless ExcludeAnomalies is set and the point was flagged).
// Events that carry no mapped metrics are skipped; a single odd payload
// never aborts the batch.
func (d *Detector) DetectAnomalies(events []*core.SecurityEvent) []*Finding {
	if d.mapping == nil || len(events) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var findings []*Finding
	for _, event := range events {
		if event == nil {
			continue
		}
		for _, obs := range d.mapping.observationsFor(event) {
			if f := d.scoreLocked(obs, event.Timestamp); f != nil {
				findings = append(findings, f)
			}
		}
	}
	return findings
}

// scoreLocked compares one observation against its baseline, then folds
// it in. Caller holds mu.
func (d *Detector) scoreLocked(obs observation, ts time.Time) *Finding {
	var finding *Finding

	if b, ok := d.baselines.Get(obs.key); ok && b.count >= int64(d.minSamples) {
		mean := b.mean
		stddev := b.stddev()
		score := deviationScore(obs.value, mean, stddev)

		if math.Abs(score) >= d.threshold {
			finding = &Finding{
				FindingID:      newFindingID(),
				Key:            obs.key,
				Entity:         obs.entity,
				Metric:         obs.metric,
				ObservedValue:  obs.value,
				BaselineMean:   mean,
				BaselineStdDev: stddev,
				Score:          score,
				Severity:       d.findingSeverity(score),
				DetectedAt:     ts,
			}
			d.stats.AnomaliesFlagged++
			metrics.AnomaliesFlagged.WithLabelValues(obs.metric).Inc()
			d.logger.Infow("anomaly flagged",
				"key", obs.key,
				"observed", obs.value,
				"baseline_mean", mean,
				"score", score,
				"severity", finding.Severity)
		}
	}

	if finding != nil && d.excludeAnomalies {
		return finding
	}
	d.observeLocked(obs.key, obs.value, ts)
	return finding
}

// deviationScore is the z-score of value against the baseline. A zero
// stddev baseline cannot divide: a value equal to the mean scores zero
// and any other value scores maximal deviation.
func deviationScore(value, mean, stddev float64) float64 {
	if stddev == 0 {
		if value == mean {
			return 0
		}
		if value < mean {
			return -maxDeviationScore
		}
		return maxDeviationScore
	}
	return (value - mean) / stddev
}

// findingSeverity grades a finding by how far the score exceeds the
// threshold.
func (d *Detector) findingSeverity(score float64) core.Severity {
	ratio := math.Abs(score) / d.threshold
	switch {
	case ratio >= 2.0:
		return core.SeverityCritical
	case ratio >= 1.5:
		return core.SeverityHigh
	default:
		return core.SeverityMedium
	}
}

// Baseline returns a snapshot of the rolling statistics for key. It is
// the only operation that surfaces ErrInsufficientData: querying a key
// with no observations is a caller error, while normal detection flow
// simply declines to flag cold keys.
func (d *Detector) Baseline(key string) (BaselineSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.baselines.Get(key)
	if !ok || b.count == 0 {
		return BaselineSnapshot{}, fmt.Errorf("%w: no observations for key %q", core.ErrInsufficientData, key)
	}
	return BaselineSnapshot{
		Key:         key,
		SampleCount: b.count,
		Mean:        b.mean,
		StdDev:      b.stddev(),
		LastUpdated: b.lastUpdated,
	}, nil
}

// Statistics returns a snapshot of the detector counters. Never fails.
func (d *Detector) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.stats
	stats.BaselinesTracked = d.baselines.Len()
	return stats
}

// Reset discards all learned baselines. This is the explicit external
// re-training command; baselines are never reset implicitly.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baselines.Purge()
}
