package correlate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"argus/core"

	"gopkg.in/yaml.v3"
)

// maxRuleFileSize bounds rule files to keep YAML parsing cheap.
const maxRuleFileSize = 1 << 20 // 1MB

// ruleSpec is the YAML wire form of a correlation rule. Window is a Go
// duration string ("60s", "5m").
type ruleSpec struct {
	ID          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Match       []core.FieldCondition `yaml:"match"`
	GroupBy     []string              `yaml:"group_by"`
	Window      string                `yaml:"window"`
	Threshold   int                   `yaml:"threshold"`
	Escalation  string                `yaml:"escalation"`
	Enabled     *bool                 `yaml:"enabled"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRules reads correlation rules from a YAML file. Every rule is
// validated; one malformed rule fails the whole load so a bad policy
// file is caught at startup rather than at event time.
func LoadRules(path string) ([]*core.CorrelationRule, error) {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid rule file path: path traversal detected")
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	if len(data) > maxRuleFileSize {
		return nil, fmt.Errorf("rule file exceeds maximum size of %d bytes", maxRuleFileSize)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", cleanPath, err)
	}
	return rules, nil
}

// ParseRules decodes and validates YAML rule definitions.
func ParseRules(data []byte) ([]*core.CorrelationRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid rule YAML: %w", err)
	}

	rules := make([]*core.CorrelationRule, 0, len(file.Rules))
	seen := make(map[string]bool)
	for i, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("rule %d: %w: duplicate rule ID %q", i, core.ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s ruleSpec) toRule() (*core.CorrelationRule, error) {
	window, err := time.ParseDuration(s.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: invalid window %q: %v", core.ErrInvalidRule, s.ID, s.Window, err)
	}

	groupBy := make([]core.GroupByField, 0, len(s.GroupBy))
	for _, g := range s.GroupBy {
		groupBy = append(groupBy, core.GroupByField(g))
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	rule := &core.CorrelationRule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Match:       s.Match,
		GroupBy:     groupBy,
		Window:      window,
		Threshold:   s.Threshold,
		Escalation:  core.Severity(s.Escalation),
		Enabled:     enabled,
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}
