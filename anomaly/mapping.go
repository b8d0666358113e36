package anomaly

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"argus/core"

	"gopkg.in/yaml.v3"
)

// MetricRule maps one raw_data field of an event type onto a named
// metric. The mapping is explicit, validated configuration rather than
// ad hoc attribute access, so a renamed payload field fails loudly at
// load time instead of silently never observing anything.
type MetricRule struct {
	// EventType selects which events this rule applies to.
	EventType string `yaml:"event_type" json:"event_type"`
	// Field is the raw_data key holding the numeric value.
	Field string `yaml:"field" json:"field"`
	// Metric names the resulting metric; defaults to Field.
	Metric string `yaml:"metric,omitempty" json:"metric,omitempty"`
}

// MetricMapping is the full table of metric extraction rules.
type MetricMapping struct {
	Rules []MetricRule `yaml:"metrics" json:"metrics"`

	byEventType map[string][]MetricRule
}

// NewMetricMapping validates and indexes a set of metric rules.
func NewMetricMapping(rules []MetricRule) (*MetricMapping, error) {
	m := &MetricMapping{Rules: rules}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadMetricMapping reads a metric mapping table from a YAML file.
func LoadMetricMapping(path string) (*MetricMapping, error) {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid mapping file path: path traversal detected")
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metric mapping file: %w", err)
	}

	var m MetricMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metric mapping YAML: %w", err)
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *MetricMapping) compile() error {
	if len(m.Rules) == 0 {
		return fmt.Errorf("metric mapping has no rules")
	}
	m.byEventType = make(map[string][]MetricRule, len(m.Rules))
	seen := make(map[string]bool)
	for i, rule := range m.Rules {
		if strings.TrimSpace(rule.EventType) == "" {
			return fmt.Errorf("metric rule %d: event_type is required", i)
		}
		if strings.TrimSpace(rule.Field) == "" {
			return fmt.Errorf("metric rule %d: field is required", i)
		}
		if rule.Metric == "" {
			rule.Metric = rule.Field
		}
		id := rule.EventType + "/" + rule.Metric
		if seen[id] {
			return fmt.Errorf("metric rule %d: duplicate mapping %s", i, id)
		}
		seen[id] = true
		m.byEventType[rule.EventType] = append(m.byEventType[rule.EventType], rule)
	}
	return nil
}

// observation is one extracted (key, value) pair ready for baseline
// comparison.
type observation struct {
	key    string
	metric string
	entity string
	value  float64
}

// observationsFor extracts the configured metric values from an event.
// Events with no mapping, no usable entity, or a non-numeric field yield
// no observations; partial telemetry degrades instead of failing.
func (m *MetricMapping) observationsFor(event *core.SecurityEvent) []observation {
	rules := m.byEventType[event.EventType]
	if len(rules) == 0 {
		return nil
	}

	entity := event.SourceIP
	if entity == "" {
		entity = event.DestinationIP
	}
	if entity == "" {
		return nil
	}

	var obs []observation
	for _, rule := range rules {
		raw, ok := event.RawData[rule.Field]
		if !ok {
			continue
		}
		value, ok := toFloat(raw)
		if !ok {
			continue
		}
		obs = append(obs, observation{
			key:    BaselineKey(entity, rule.Metric),
			metric: rule.Metric,
			entity: entity,
			value:  value,
		})
	}
	return obs
}

// BaselineKey builds the canonical (entity, metric) baseline key.
func BaselineKey(entity, metric string) string {
	return entity + ":" + metric
}

// toFloat coerces the loosely typed raw_data values (JSON numbers,
// integers, numeric strings) into a float64 metric value.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
