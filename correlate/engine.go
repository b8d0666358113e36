// Package correlate implements the stateful correlation engine: it
// matches canonical security events against declarative correlation
// rules, maintains per-(rule, key) sliding window buffers, and emits
// correlated incidents when a rule's threshold is satisfied inside its
// window.
//
// All window arithmetic uses the event's own timestamp rather than the
// wall clock, so replayed or batched streams produce deterministic
// results. Wall-clock time is only used for housekeeping of idle state.
package correlate

import (
	"context"
	"sort"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

const (
	// DefaultMaxBuffers bounds the number of live window buffers.
	DefaultMaxBuffers = 10000
	// DefaultCleanupInterval is how often idle buffers are swept.
	DefaultCleanupInterval = 30 * time.Second
	// idleWindowMultiplier: a buffer untouched for this many rule
	// windows is considered abandoned and reclaimed.
	idleWindowMultiplier = 2
	// stopTimeout bounds the wait for the cleanup goroutine on Stop.
	stopTimeout = 5 * time.Second
)

// Statistics are monotonic observability counters for the engine.
// Reading them never fails.
type Statistics struct {
	EventsProcessed  int64 `json:"events_processed"`
	EventsMatched    int64 `json:"events_matched"`
	IncidentsEmitted int64 `json:"incidents_emitted"`
	RuleErrors       int64 `json:"rule_errors"`
	ActiveBuffers    int   `json:"active_buffers"`
	RegisteredRules  int   `json:"registered_rules"`
}

// Config holds construction parameters for the engine.
type Config struct {
	// MaxBuffers caps live window buffers; the least recently touched
	// buffer is evicted when the cap is reached (default 10000).
	MaxBuffers int
	// CleanupInterval is the idle-state sweep period (default 30s).
	CleanupInterval time.Duration
	Logger          *zap.SugaredLogger
}

// eventBuffer is the sliding window of events for one (rule, key) pair.
// It is owned exclusively by the engine and mutated under the engine
// mutex.
type eventBuffer struct {
	ruleID     string
	key        string
	events     []*core.SecurityEvent
	lastAccess time.Time // wall clock, housekeeping only
}

// Engine correlates events into incidents. It is safe for concurrent use;
// a single coarse mutex guards the rule set and all buffers, which keeps
// incident emission free of lost updates and duplicates at the event
// rates this engine is built for.
type Engine struct {
	mu      sync.Mutex
	rules   map[string]*core.CorrelationRule
	ruleIDs []string // sorted, for deterministic cross-rule ordering
	buffers map[string]*eventBuffer

	stats      Statistics
	maxBuffers int

	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup
	logger        *zap.SugaredLogger
}

// NewEngine creates a correlation engine and starts its idle-state
// cleanup goroutine. Call Stop when done with the engine.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = DefaultMaxBuffers
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	e := &Engine{
		rules:      make(map[string]*core.CorrelationRule),
		buffers:    make(map[string]*eventBuffer),
		maxBuffers: cfg.MaxBuffers,
		logger:     cfg.Logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cleanupCancel = cancel
	e.startCleanup(ctx, cfg.CleanupInterval)

	return e
}

// RegisterRule adds or replaces a rule by ID. Registration is idempotent:
// re-registering an ID swaps the rule in place and subsequent events obey
// only the new rule's window and threshold. Structurally invalid rules
// are rejected before they can affect processing.
func (e *Engine) RegisterRule(rule *core.CorrelationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.ID]; !exists {
		e.ruleIDs = append(e.ruleIDs, rule.ID)
		sort.Strings(e.ruleIDs)
	}
	e.rules[rule.ID] = rule
	return nil
}

// UnregisterRule removes a rule and all of its window buffers. Removing
// an unknown ID is a no-op.
func (e *Engine) UnregisterRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[ruleID]; !exists {
		return
	}
	delete(e.rules, ruleID)
	for i, id := range e.ruleIDs {
		if id == ruleID {
			e.ruleIDs = append(e.ruleIDs[:i], e.ruleIDs[i+1:]...)
			break
		}
	}
	for key, buf := range e.buffers {
		if buf.ruleID == ruleID {
			delete(e.buffers, key)
		}
	}
}

// Rules returns the registered rules, sorted by ID.
func (e *Engine) Rules() []*core.CorrelationRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := make([]*core.CorrelationRule, 0, len(e.ruleIDs))
	for _, id := range e.ruleIDs {
		rules = append(rules, e.rules[id])
	}
	return rules
}

// ProcessEvent feeds one event through every registered rule and returns
// the incidents it triggered. Rules are evaluated in sorted ID order, so
// a fixed event sequence against a fixed rule set always yields identical
// incidents in identical order.
//
// A failing rule (malformed condition, panicking evaluation) is recorded
// in the statistics and never aborts the remaining rules: rules come from
// external configuration and a buggy one must not create a blind spot for
// the rest.
func (e *Engine) ProcessEvent(event *core.SecurityEvent) []*core.CorrelatedIncident {
	if event == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.EventsProcessed++

	var incidents []*core.CorrelatedIncident
	for _, id := range e.ruleIDs {
		rule := e.rules[id]
		if !rule.Enabled {
			continue
		}
		if incident := e.applyRuleLocked(rule, event); incident != nil {
			incidents = append(incidents, incident)
		}
	}
	return incidents
}

// applyRuleLocked evaluates one rule against one event and returns an
// incident if the rule's window threshold was crossed. Caller holds mu.
func (e *Engine) applyRuleLocked(rule *core.CorrelationRule, event *core.SecurityEvent) (incident *core.CorrelatedIncident) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.RuleErrors++
			metrics.RuleEvaluationErrors.Inc()
			e.logger.Errorw("correlation rule evaluation panic",
				"rule_id", rule.ID,
				"event_id", event.EventID,
				"panic", r)
			incident = nil
		}
	}()

	matched, err := ruleMatches(rule, event)
	if err != nil {
		e.stats.RuleErrors++
		metrics.RuleEvaluationErrors.Inc()
		e.logger.Warnw("correlation rule evaluation failed",
			"rule_id", rule.ID,
			"event_id", event.EventID,
			"error", err)
		return nil
	}
	if !matched {
		return nil
	}

	e.stats.EventsMatched++

	key := correlationKey(rule, event)
	buf := e.fetchBufferLocked(rule.ID, key)

	// Evict entries that fell out of the sliding window, measured
	// against the incoming event's timestamp.
	cutoff := event.Timestamp.Add(-rule.Window)
	idx := 0
	for idx < len(buf.events) && buf.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	buf.events = buf.events[idx:]

	buf.events = append(buf.events, event)
	buf.lastAccess = time.Now()

	if len(buf.events) < rule.Threshold {
		return nil
	}

	// Threshold crossed: the window is consumed. Emitting once and
	// clearing prevents incident storms from a single sustained burst;
	// later events start a fresh count.
	incident = core.NewCorrelatedIncident(rule, key, buf.events, event.Timestamp)
	delete(e.buffers, bufferID(rule.ID, key))
	e.stats.IncidentsEmitted++
	metrics.IncidentsEmitted.WithLabelValues(rule.ID).Inc()

	e.logger.Infow("correlated incident emitted",
		"rule_id", rule.ID,
		"correlation_key", key,
		"event_count", len(incident.TriggeringEvents),
		"severity", incident.Severity)
	return incident
}

// bufferID joins rule ID and correlation key into a map key. The unit
// separator cannot appear in either part.
func bufferID(ruleID, key string) string {
	return ruleID + "\x1f" + key
}

// fetchBufferLocked returns the buffer for (rule, key), creating it and
// evicting the least recently touched buffer if the cap is reached.
// Caller holds mu.
func (e *Engine) fetchBufferLocked(ruleID, key string) *eventBuffer {
	id := bufferID(ruleID, key)
	if buf, ok := e.buffers[id]; ok {
		return buf
	}
	if len(e.buffers) >= e.maxBuffers {
		e.evictOldestBufferLocked()
	}
	buf := &eventBuffer{
		ruleID:     ruleID,
		key:        key,
		lastAccess: time.Now(),
	}
	e.buffers[id] = buf
	return buf
}

// evictOldestBufferLocked removes the least recently accessed buffer.
// Caller holds mu.
func (e *Engine) evictOldestBufferLocked() {
	var oldestID string
	var oldestTime time.Time
	first := true
	for id, buf := range e.buffers {
		if first || buf.lastAccess.Before(oldestTime) {
			oldestID = id
			oldestTime = buf.lastAccess
			first = false
		}
	}
	if oldestID != "" {
		delete(e.buffers, oldestID)
		e.logger.Debugw("evicted oldest correlation buffer",
			"buffer", oldestID,
			"last_access", oldestTime,
			"active_buffers", len(e.buffers))
	}
}

// Statistics returns a snapshot of the engine counters. It never fails.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.ActiveBuffers = len(e.buffers)
	stats.RegisteredRules = len(e.rules)
	return stats
}

// Reset clears all window buffers. Registered rules are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffers = make(map[string]*eventBuffer)
}

// Stop halts the cleanup goroutine and waits briefly for it to exit.
func (e *Engine) Stop() {
	if e.cleanupCancel != nil {
		e.cleanupCancel()
	}

	done := make(chan struct{})
	go func() {
		e.cleanupWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.logger.Warnw("correlation cleanup goroutine did not stop in time",
			"timeout", stopTimeout)
	}
}

// startCleanup runs the periodic sweep of idle buffers.
func (e *Engine) startCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	e.cleanupWg.Add(1)
	go func() {
		defer e.cleanupWg.Done()
		defer goroutine.Recover("correlation-cleanup", e.logger)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.cleanupIdleBuffers()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// cleanupIdleBuffers reclaims buffers whose rule is gone or that have not
// been touched for several rule windows. It runs under the same mutex as
// ProcessEvent, so it can never remove state an in-flight call is using.
func (e *Engine) cleanupIdleBuffers() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, buf := range e.buffers {
		rule, ok := e.rules[buf.ruleID]
		if !ok {
			delete(e.buffers, id)
			removed++
			continue
		}
		idleTTL := time.Duration(idleWindowMultiplier) * rule.Window
		if idleTTL < DefaultCleanupInterval {
			idleTTL = DefaultCleanupInterval
		}
		if now.Sub(buf.lastAccess) > idleTTL {
			delete(e.buffers, id)
			removed++
		}
	}

	if removed > 0 {
		e.logger.Debugw("cleaned up idle correlation buffers",
			"removed", removed,
			"remaining", len(e.buffers))
	}
}
