// Package service wires the event normalizer, the correlation engine and
// the anomaly detector into one processing pipeline, and routes their
// outputs to persistence and live subscribers.
package service

import (
	"context"
	"sync/atomic"
	"time"

	"argus/anomaly"
	"argus/core"
	"argus/correlate"
	"argus/ingest"
	"argus/metrics"

	"go.uber.org/zap"
)

// IncidentSink persists correlated incidents. Defined here, in the
// consumer package, so any store can satisfy it.
type IncidentSink interface {
	SaveIncident(ctx context.Context, incident *core.CorrelatedIncident) error
}

// FindingSink persists anomaly findings.
type FindingSink interface {
	SaveFinding(ctx context.Context, finding *anomaly.Finding) error
}

// Publisher pushes incidents and findings to live subscribers. Optional.
type Publisher interface {
	PublishIncident(incident *core.CorrelatedIncident)
	PublishFinding(finding *anomaly.Finding)
}

// Result is the outcome of processing one raw payload.
type Result struct {
	Event     *core.SecurityEvent        `json:"event"`
	Incidents []*core.CorrelatedIncident `json:"incidents,omitempty"`
	Findings  []*anomaly.Finding         `json:"findings,omitempty"`
	// Suppressed counts incidents dropped by the dedup cache; they
	// were triggered but a peer instance already reported them.
	Suppressed int `json:"suppressed,omitempty"`
}

// Statistics aggregates the pipeline counters with those of both
// engines.
type Statistics struct {
	Correlation correlate.Statistics `json:"correlation"`
	Anomaly     anomaly.Statistics   `json:"anomaly"`
	Rejected    int64                `json:"events_rejected"`
	Suppressed  int64                `json:"incidents_suppressed"`
	SinkErrors  int64                `json:"sink_errors"`
}

// Config holds the pipeline's collaborators. Engine, Detector and
// Normalizer are required; sinks, dedup and publisher are optional.
type Config struct {
	Normalizer   *ingest.Normalizer
	Engine       *correlate.Engine
	Detector     *anomaly.Detector
	IncidentSink IncidentSink
	FindingSink  FindingSink
	Dedup        DedupCache
	// DedupMinTTL is the floor for incident fingerprint expiry; the
	// effective TTL is max(DedupMinTTL, incident window span).
	DedupMinTTL time.Duration
	Publisher   Publisher
	Logger      *zap.SugaredLogger
}

// Pipeline is the unified service over both engines. All statefulness
// lives in the engines; the pipeline itself only counts.
type Pipeline struct {
	normalizer   *ingest.Normalizer
	engine       *correlate.Engine
	detector     *anomaly.Detector
	incidentSink IncidentSink
	findingSink  FindingSink
	dedup        DedupCache
	dedupMinTTL  time.Duration
	publisher    Publisher
	logger       *zap.SugaredLogger

	counters pipelineCounters
}

type pipelineCounters struct {
	rejected   atomic.Int64
	suppressed atomic.Int64
	sinkErrors atomic.Int64
}

// NewPipeline creates a pipeline. Panics on missing required
// collaborators to fail fast at wiring time.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Normalizer == nil {
		panic("pipeline requires a normalizer")
	}
	if cfg.Engine == nil {
		panic("pipeline requires a correlation engine")
	}
	if cfg.Detector == nil {
		panic("pipeline requires an anomaly detector")
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NoopDedup{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.DedupMinTTL <= 0 {
		cfg.DedupMinTTL = time.Minute
	}

	return &Pipeline{
		normalizer:   cfg.Normalizer,
		engine:       cfg.Engine,
		detector:     cfg.Detector,
		incidentSink: cfg.IncidentSink,
		findingSink:  cfg.FindingSink,
		dedup:        cfg.Dedup,
		dedupMinTTL:  cfg.DedupMinTTL,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger,
	}
}

// ProcessRaw normalizes one raw payload and feeds the canonical event to
// both engines. Returns core.ErrInvalidEvent (wrapped) for payloads the
// normalizer rejects; engine-side problems never surface as errors here,
// they are isolated and counted.
func (p *Pipeline) ProcessRaw(ctx context.Context, payload map[string]interface{}) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	event, err := p.normalizer.Normalize(payload)
	if err != nil {
		p.counters.rejected.Add(1)
		metrics.EventsRejected.Inc()
		return nil, err
	}

	metrics.EventsIngested.WithLabelValues(event.EventType).Inc()

	result := &Result{Event: event}

	incidents := p.engine.ProcessEvent(event)
	for _, incident := range incidents {
		if p.suppressIncident(ctx, incident) {
			result.Suppressed++
			continue
		}
		result.Incidents = append(result.Incidents, incident)
		p.dispatchIncident(ctx, incident)
	}

	findings := p.detector.DetectAnomalies([]*core.SecurityEvent{event})
	for _, finding := range findings {
		result.Findings = append(result.Findings, finding)
		p.dispatchFinding(ctx, finding)
	}

	return result, nil
}

// ProcessBatch feeds a batch of raw payloads through the pipeline.
// Invalid payloads are counted and skipped; one bad input never creates
// a blind spot for the rest of the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, payloads []map[string]interface{}) ([]*Result, int) {
	results := make([]*Result, 0, len(payloads))
	rejected := 0
	for _, payload := range payloads {
		result, err := p.ProcessRaw(ctx, payload)
		if err != nil {
			rejected++
			p.logger.Debugw("rejected event in batch", "error", err)
			continue
		}
		results = append(results, result)
	}
	return results, rejected
}

// suppressIncident consults the dedup cache. Cache failures degrade to
// emitting: a broken cache must never hide incidents.
func (p *Pipeline) suppressIncident(ctx context.Context, incident *core.CorrelatedIncident) bool {
	fingerprint := incident.RuleID + "|" + incident.CorrelationKey
	ttl := p.dedupMinTTL
	if len(incident.TriggeringEvents) > 0 {
		if span := incident.DetectedAt.Sub(incident.TriggeringEvents[0].Timestamp); span > ttl {
			ttl = span
		}
	}

	seen, err := p.dedup.Suppress(ctx, fingerprint, ttl)
	if err != nil {
		p.logger.Warnw("dedup cache unavailable, emitting incident",
			"fingerprint", fingerprint, "error", err)
		return false
	}
	if seen {
		p.counters.suppressed.Add(1)
		metrics.DedupSuppressed.Inc()
		p.logger.Debugw("incident suppressed by dedup cache", "fingerprint", fingerprint)
	}
	return seen
}

func (p *Pipeline) dispatchIncident(ctx context.Context, incident *core.CorrelatedIncident) {
	if p.incidentSink != nil {
		if err := p.incidentSink.SaveIncident(ctx, incident); err != nil {
			p.counters.sinkErrors.Add(1)
			metrics.SinkErrors.WithLabelValues("incident").Inc()
			p.logger.Errorw("failed to persist incident",
				"incident_id", incident.IncidentID, "error", err)
		}
	}
	if p.publisher != nil {
		p.publisher.PublishIncident(incident)
	}
}

func (p *Pipeline) dispatchFinding(ctx context.Context, finding *anomaly.Finding) {
	if p.findingSink != nil {
		if err := p.findingSink.SaveFinding(ctx, finding); err != nil {
			p.counters.sinkErrors.Add(1)
			metrics.SinkErrors.WithLabelValues("finding").Inc()
			p.logger.Errorw("failed to persist finding",
				"finding_id", finding.FindingID, "error", err)
		}
	}
	if p.publisher != nil {
		p.publisher.PublishFinding(finding)
	}
}

// Statistics returns pipeline and engine counters. Never fails.
func (p *Pipeline) Statistics() Statistics {
	return Statistics{
		Correlation: p.engine.Statistics(),
		Anomaly:     p.detector.Statistics(),
		Rejected:    p.counters.rejected.Load(),
		Suppressed:  p.counters.suppressed.Load(),
		SinkErrors:  p.counters.sinkErrors.Load(),
	}
}
